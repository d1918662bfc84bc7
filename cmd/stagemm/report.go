// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/stagemm/pkg/matmul"
	"github.com/gomlx/stagemm/pkg/matmul/config"
	"github.com/gomlx/stagemm/pkg/matmul/tensor"
	"github.com/gomlx/stagemm/pkg/runtime"
	"gonum.org/v1/gonum/mat"
)

// referenceMatmul multiplies the matrices of batch b of lhs and rhs, rounded to ES, with gonum.
func referenceMatmul[ES tensor.Element](lhs, rhs *tensor.Tensor[float32], b int) *mat.Dense {
	dense := func(t *tensor.Tensor[float32]) *mat.Dense {
		d := mat.NewDense(t.Rows(), t.Cols(), nil)
		for row := range t.Rows() {
			for col := range t.Cols() {
				d.Set(row, col, tensor.ToFloat64(tensor.Cast[ES](t.At(b, row, col))))
			}
		}
		return d
	}
	var out mat.Dense
	out.Mul(dense(lhs), dense(rhs))
	return &out
}

var (
	oddRowStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).PaddingLeft(1).PaddingRight(1)
	titleStyle   = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
)

func newPlainTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			s := evenRowStyle
			if row%2 == 0 {
				s = oddRowStyle
			}
			if col == 0 {
				return s.Align(lipgloss.Right)
			}
			return s.Align(lipgloss.Left)
		})
}

func report(client *runtime.Client, problem matmul.Problem, cfg *config.GlobalConfig, stageDType string,
	sharedBytes int, elapsed time.Duration, maxErr float64) {
	flops := 2 * float64(problem.Batch) * float64(problem.M) * float64(problem.N) * float64(problem.K)
	table := newPlainTable()
	table.Row("device", client.String())
	table.Row("problem", problem.String())
	table.Row("stage dtype", stageDType)
	table.Row("stage", fmt.Sprintf("%s tiles of %s", cfg.Stage.Tiling.TileCount, cfg.Stage.Tiling.TileShape))
	table.Row("cube", fmt.Sprintf("%d planes of %d units", cfg.NumPlanes(), cfg.PlaneDim()))
	table.Row("loading", fmt.Sprintf("lhs=%s, rhs=%s", cfg.LhsLoading, cfg.RhsLoading))
	table.Row("buffering", fmt.Sprintf("%s, %s", cfg.Stage.Buffering, cfg.Pipeline))
	table.Row("bounds checks", fmt.Sprintf("m=%v, n=%v, k=%v", cfg.CheckMBounds, cfg.CheckNBounds, cfg.CheckKBounds))
	table.Row("shared memory", humanize.Bytes(uint64(sharedBytes)))
	table.Row("elapsed", elapsed.String())
	table.Row("throughput", humanize.SIWithDigits(flops/elapsed.Seconds(), 2, "FLOP/s"))
	table.Row("max relative error", fmt.Sprintf("%.3g", maxErr))
	fmt.Println(titleStyle.Render("stagemm"))
	fmt.Println(table.Render())
}
