package broker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommandEnvelope(t *testing.T) {
	body, err := EncodeCommand(Command{Name: CommandRunCollector})
	require.NoError(t, err)
	require.JSONEq(t, `{"command":"run_collector"}`, string(body))

	c, err := DecodeCommand([]byte(`{"command":" sweep ","data":{"force":true}}`))
	require.NoError(t, err)
	require.Equal(t, CommandSweep, c.Name)
	require.JSONEq(t, `{"force":true}`, string(c.Data))

	_, err = DecodeCommand([]byte(`{"data":{}}`))
	require.ErrorIs(t, err, ErrInvalidCommand)
	_, err = DecodeCommand([]byte(`not json`))
	require.ErrorIs(t, err, ErrInvalidCommand)
	_, err = EncodeCommand(Command{})
	require.ErrorIs(t, err, ErrInvalidCommand)
}

func TestDeadLetterQueue(t *testing.T) {
	require.Equal(t, "tick.crafting.dead", DeadLetterQueue("tick.crafting"))
}
