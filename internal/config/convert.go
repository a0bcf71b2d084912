package config

import "sort"

// MergeEnv layers override on top of declared; neither input is modified.
func MergeEnv(declared, override map[string]string) map[string]string {
	out := make(map[string]string, len(declared)+len(override))
	for k, v := range declared {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// EnvList renders env as KEY=VALUE pairs sorted by key.
func EnvList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
