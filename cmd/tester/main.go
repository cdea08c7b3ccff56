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

package main

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.uber.org/zap"

	"github.com/daviszhen/vexec/pkg/chunk"
	"github.com/daviszhen/vexec/pkg/compute"
	"github.com/daviszhen/vexec/pkg/util"
)

func init() {
	cobra.OnInitialize(loadConfig)
	initGatherCmd()
	initMergeCmd()
	initIncrSortCmd()
}

var testerCfg = util.DefaultConfig()

///root cmd

var info = "tester"
var RootCmd = &cobra.Command{
	Use:          "tester",
	Short:        info,
	Long:         info,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("use tester --help or -h")
	},
}

func initCommonOptions() {
	if viper.IsSet("parallel.numWorkers") {
		testerCfg.Parallel.NumWorkers = viper.GetInt("parallel.numWorkers")
	}
	if viper.IsSet("parallel.queueSize") {
		testerCfg.Parallel.QueueSize = viper.GetInt("parallel.queueSize")
	}
	if viper.IsSet("parallel.leaderParticipation") {
		testerCfg.Parallel.LeaderParticipation = viper.GetBool("parallel.leaderParticipation")
	}
	if viper.IsSet("memory.sortMemLimit") {
		testerCfg.Memory.SortMemLimit = viper.GetInt64("memory.sortMemLimit")
	}
	if viper.IsSet("memory.memoizeMemLimit") {
		testerCfg.Memory.MemoizeMemLimit = viper.GetInt64("memory.memoizeMemLimit")
	}
	testerCfg.Debug.PrintPlan = viper.GetBool("debug.printPlan")
	testerCfg.Debug.PrintResult = viper.GetBool("debug.printResult")
	testerCfg.Debug.MaxOutputRowCount = viper.GetInt("debug.maxOutputRowCount")
	testerCfg.Debug.EnableDebugLog = viper.GetBool("debug.enableDebugLog")
}

//gather cmd

var gatherRows int64

var gatherInfo = "scan a range in parallel under gather"
var gatherCmd = &cobra.Command{
	Use:   "gather",
	Short: gatherInfo,
	Long:  gatherInfo,
	RunE: func(cmd *cobra.Command, args []string) error {
		initCommonOptions()
		rows := viper.GetInt64("gather.rows")
		node := &compute.PlanNode{
			Typ:        compute.POT_Gather,
			Types:      []chunk.TypeId{chunk.INT64},
			NumWorkers: testerCfg.Parallel.NumWorkers,
			Children: []*compute.PlanNode{
				{
					Typ:          compute.POT_RangeScan,
					Types:        []chunk.TypeId{chunk.INT64},
					ParallelSafe: true,
					Lo:           0,
					Hi:           rows,
					BlockSize:    1024,
				},
			},
		}
		cnt, err := compute.Run(testerCfg, node)
		if err != nil {
			return err
		}
		fmt.Println("row count", cnt)
		return nil
	},
}

func initGatherCmd() {
	RootCmd.AddCommand(gatherCmd)
	gatherCmd.Flags().Int64Var(&gatherRows, "rows", 100000, "row count of the range scan")
	viper.BindPFlag("gather.rows", gatherCmd.Flags().Lookup("rows"))
}

//merge cmd

var mergeRows int64

var mergeInfo = "scan a range in parallel under gather merge, ordered"
var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: mergeInfo,
	Long:  mergeInfo,
	RunE: func(cmd *cobra.Command, args []string) error {
		initCommonOptions()
		rows := viper.GetInt64("merge.rows")
		node := &compute.PlanNode{
			Typ:        compute.POT_GatherMerge,
			Types:      []chunk.TypeId{chunk.INT64},
			NumWorkers: testerCfg.Parallel.NumWorkers,
			SortKeys:   []chunk.SortKey{{ColIdx: 0}},
			Children: []*compute.PlanNode{
				{
					Typ:          compute.POT_RangeScan,
					Types:        []chunk.TypeId{chunk.INT64},
					ParallelSafe: true,
					Lo:           0,
					Hi:           rows,
					BlockSize:    1024,
				},
			},
		}
		cnt, err := compute.Run(testerCfg, node)
		if err != nil {
			return err
		}
		fmt.Println("row count", cnt)
		return nil
	},
}

func initMergeCmd() {
	RootCmd.AddCommand(mergeCmd)
	mergeCmd.Flags().Int64Var(&mergeRows, "rows", 100000, "row count of the range scan")
	viper.BindPFlag("merge.rows", mergeCmd.Flags().Lookup("rows"))
}

//incrsort cmd

var incrSortRows int64
var incrSortBound int

var incrSortInfo = "incrementally sort a prefix-sorted stream"
var incrSortCmd = &cobra.Command{
	Use:   "incrsort",
	Short: incrSortInfo,
	Long:  incrSortInfo,
	RunE: func(cmd *cobra.Command, args []string) error {
		initCommonOptions()
		rows := viper.GetInt64("incrsort.rows")
		bound := viper.GetInt("incrsort.bound")
		rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
		values := make([]chunk.Row, 0, rows)
		for i := int64(0); i < rows; i++ {
			// ascending on the first column, shuffled on the second
			values = append(values, chunk.Row{
				chunk.I64Val(i / 10),
				chunk.I64Val(rnd.Int63n(1000)),
			})
		}
		node := &compute.PlanNode{
			Typ:       compute.POT_IncrementalSort,
			Types:     []chunk.TypeId{chunk.INT64, chunk.INT64},
			SortKeys:  []chunk.SortKey{{ColIdx: 0}, {ColIdx: 1}},
			Presorted: 1,
			Bound:     bound,
			Children: []*compute.PlanNode{
				{
					Typ:    compute.POT_ValuesScan,
					Types:  []chunk.TypeId{chunk.INT64, chunk.INT64},
					Values: values,
				},
			},
		}
		cnt, err := compute.Run(testerCfg, node)
		if err != nil {
			return err
		}
		fmt.Println("row count", cnt)
		return nil
	},
}

func initIncrSortCmd() {
	RootCmd.AddCommand(incrSortCmd)
	incrSortCmd.Flags().Int64Var(&incrSortRows, "rows", 100000, "row count of the generated stream")
	incrSortCmd.Flags().IntVar(&incrSortBound, "bound", 0, "limit the sorted output, 0 for none")
	viper.BindPFlag("incrsort.rows", incrSortCmd.Flags().Lookup("rows"))
	viper.BindPFlag("incrsort.bound", incrSortCmd.Flags().Lookup("bound"))
}

var defCfgFilePaths = []string{".", "etc"}
var cfgFileName = "tester.toml"

func loadConfig() {
	has := false
	for _, dirPath := range defCfgFilePaths {
		fpath := filepath.Join(dirPath, cfgFileName)
		if util.FileIsValid(fpath) {
			viper.SetConfigFile(fpath)
			err := viper.ReadInConfig()
			if err != nil {
				util.Error("viper load config file failed",
					zap.String("fpath", fpath),
					zap.Error(err))
				continue
			}
			has = true
			break
		}
	}
	if !has {
		util.Error("tester.toml does not exist")
		os.Exit(1)
	}
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
