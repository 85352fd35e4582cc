// Package localshell implements the local-shell connection backend (spec
// §4.7). On POSIX systems it spawns internal/daemon as a detached
// subprocess and drives it as a frame-protocol client, so a session
// survives the agent process restarting (the daemon owns the PTY, not
// the agent). On non-POSIX systems there is no daemon: the backend
// drives a PTY in-process and the session dies with the agent.
package localshell

import (
	"github.com/termihub/termihub/internal/backend"
	"github.com/termihub/termihub/internal/backend/schema"
)

const TypeID = "shell"

// Settings is the local-shell connection's configuration.
type Settings struct {
	Shell   string            `json:"shell"`
	Cols    int               `json:"cols"`
	Rows    int               `json:"rows"`
	Env     map[string]string `json:"env"`
	Command string            `json:"command"`
}

// SettingsSchema describes the local-shell configuration form, shared by
// both the daemon-backed and in-process implementations.
func SettingsSchema() schema.Schema {
	return schema.Schema{
		Groups: []schema.Group{
			{
				Key:   "general",
				Label: "General",
				Fields: []schema.Field{
					{
						Key:                  "shell",
						Label:                "Shell",
						Description:          "Path to the shell binary, e.g. /bin/bash. Leave blank for /bin/sh (cmd.exe on Windows).",
						Type:                 schema.Text(),
						SupportsEnvExpansion: true,
					},
					{
						Key:         "command",
						Label:       "Command override",
						Description: "Run a single command instead of a login shell.",
						Type:        schema.Text(),
					},
					{
						Key:     "env",
						Label:   "Environment variables",
						Type:    schema.KeyValueList(),
					},
				},
			},
		},
	}
}

func settingsFromMap(m map[string]interface{}) Settings {
	s := Settings{Cols: 80, Rows: 24, Env: map[string]string{}}
	if v, ok := m["shell"].(string); ok {
		s.Shell = backend.ExpandEnv(v)
	}
	if v, ok := m["cols"].(float64); ok && v > 0 {
		s.Cols = int(v)
	}
	if v, ok := m["rows"].(float64); ok && v > 0 {
		s.Rows = int(v)
	}
	if v, ok := m["command"].(string); ok {
		s.Command = v
	}
	if v, ok := m["env"].(map[string]interface{}); ok {
		for k, vv := range v {
			if sv, ok := vv.(string); ok {
				s.Env[k] = sv
			}
		}
	}
	if arr, ok := m["env"].([]interface{}); ok {
		for _, item := range arr {
			entry, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			k, _ := entry["key"].(string)
			v, _ := entry["value"].(string)
			if k != "" {
				s.Env[k] = v
			}
		}
	}
	return s
}
