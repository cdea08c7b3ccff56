// Copyright 2024-2025 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package util

import (
	"github.com/BurntSushi/toml"
)

type ParallelOptions struct {
	NumWorkers          int  `toml:"numWorkers"`
	QueueSize           int  `toml:"queueSize"`
	LeaderParticipation bool `toml:"leaderParticipation"`
}

type MemoryOptions struct {
	SortMemLimit    int64 `toml:"sortMemLimit"`
	MemoizeMemLimit int64 `toml:"memoizeMemLimit"`
}

type DebugOptions struct {
	PrintPlan         bool `toml:"printPlan"`
	PrintResult       bool `toml:"printResult"`
	MaxOutputRowCount int  `toml:"maxOutputRowCount"`
	EnableDebugLog    bool `toml:"enableDebugLog"`
}

type Config struct {
	Parallel ParallelOptions `toml:"parallel"`
	Memory   MemoryOptions   `toml:"memory"`
	Debug    DebugOptions    `toml:"debug"`
}

func DefaultConfig() *Config {
	return &Config{
		Parallel: ParallelOptions{
			NumWorkers:          2,
			QueueSize:           65536,
			LeaderParticipation: true,
		},
		Memory: MemoryOptions{
			SortMemLimit:    4 * 1024 * 1024,
			MemoizeMemLimit: 1024 * 1024,
		},
		Debug: DebugOptions{
			MaxOutputRowCount: -1,
		},
	}
}

func LoadConfig(fpath string) (*Config, error) {
	cfg := DefaultConfig()
	_, err := toml.DecodeFile(fpath, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
