package config

import "reflect"

// Sections whose changes can be applied without a restart.
var hotSections = map[string]bool{"logging": true, "trigger": true, "dispatcher": true}

// Changed lists the top-level sections that differ between old and new,
// in declaration order. Secrets are never compared by value in logs; only
// the section name is reported.
func Changed(oldCfg, newCfg *Config) []string {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	ov, nv := reflect.ValueOf(*oldCfg), reflect.ValueOf(*newCfg)
	t := ov.Type()
	var out []string
	for i := 0; i < t.NumField(); i++ {
		if !reflect.DeepEqual(ov.Field(i).Interface(), nv.Field(i).Interface()) {
			out = append(out, jsonName(t.Field(i)))
		}
	}
	return out
}

// NeedsRestart returns the changed sections that hot reload cannot apply.
func NeedsRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		if !hotSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func jsonName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	for i := 0; i < len(tag); i++ {
		if tag[i] == ',' {
			tag = tag[:i]
			break
		}
	}
	if tag == "" {
		return f.Name
	}
	return tag
}
