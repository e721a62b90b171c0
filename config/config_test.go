// Copyright 2024 Worldcoin Foundation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[app]
tree_depth = 30
poll_period = "2s"
insertion_timeout = "90s"
deletion_timeout = "30m"
max_root_age = "1h"

[database]
dsn = "postgres://sequencer@localhost/sequencer"
migrate = true

[server]
address = "0.0.0.0:8080"
request_timeout = "10s"

[[provers]]
url = "http://prover-3:3001"
batch_size = 3
timeout = "60s"
kind = "insertion"

[[provers]]
url = "http://prover-10:3001"
batch_size = 10
timeout = "120s"
kind = "insertion"

[relayer]
url = "http://relayer:8000"
timeout = "30s"

[semaphore]
verifying_key_path = "/etc/sequencer/verification_key.json"
`))
	require.NoError(t, err)
	require.Equal(t, 30, cfg.App.TreeDepth)
	require.Equal(t, 2*time.Second, cfg.App.PollPeriod.Std())
	require.Equal(t, 90*time.Second, cfg.App.InsertionTimeout.Std())
	require.Len(t, cfg.Provers, 2)
	require.Equal(t, 10, cfg.Provers[1].BatchSize)
	require.True(t, cfg.Database.Migrate)
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[app]
dev_mode = true
`))
	require.NoError(t, err)
	require.Equal(t, 30, cfg.App.TreeDepth)
	require.Equal(t, 5*time.Second, cfg.App.PollPeriod.Std())
	require.Equal(t, "localhost:8080", cfg.Server.Address)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	for name, contents := range map[string]string{
		"missing dsn": `
[app]
tree_depth = 30
[relayer]
url = "http://relayer:8000"
[[provers]]
url = "http://prover:3001"
batch_size = 3
kind = "insertion"
`,
		"bad prover kind": `
[app]
dev_mode = true
[[provers]]
url = "http://prover:3001"
batch_size = 3
kind = "update"
`,
		"bad depth": `
[app]
dev_mode = true
tree_depth = 99
`,
		"bad duration": `
[app]
dev_mode = true
poll_period = "fast"
`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, contents))
			require.Error(t, err)
		})
	}
}
