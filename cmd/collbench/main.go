// collbench measures collective latency and throughput with the gccl
// backend: it runs a process group of -ranks members inside this process,
// each member driving -devices devices from its own goroutine, and times
// -iters collectives over tensors of -size elements.
//
// Example:
//
//	collbench -collective=allreduce -op=Sum -ranks=4 -devices=2 -size=1048576
package main

import (
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/godist"
	"github.com/gomlx/godist/device"
	"github.com/gomlx/godist/store"

	_ "github.com/gomlx/godist/gccl"
)

var (
	flagCollective = flag.String("collective", "allreduce", "Collective to benchmark: \"allreduce\" or \"broadcast\".")
	flagOp         = flag.String("op", "Sum", "Reduction for -collective=allreduce: Sum, Product, Max or Min.")
	flagRanks      = flag.Int("ranks", 2, "Number of group members, each run by its own goroutine.")
	flagDevices    = flag.Int("devices", 1, "Devices per member; every member contributes one tensor per device.")
	flagSize       = flag.Int("size", 1<<20, "Elements per tensor.")
	flagDType      = flag.String("dtype", "Float32", "Element type: e.g. Float32, Float64, Float16, BFloat16 or Int32.")
	flagIters      = flag.Int("iters", 50, "Timed iterations.")
	flagWarmup     = flag.Int("warmup", 5, "Untimed warm-up iterations.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagRanks < 1 || *flagDevices < 1 || *flagSize < 1 || *flagIters < 1 {
		klog.Errorf("-ranks, -devices, -size and -iters must all be positive. See 'collbench -help'.")
		os.Exit(1)
	}
	if *flagCollective != "allreduce" && *flagCollective != "broadcast" {
		klog.Errorf("Unknown -collective %q, pick \"allreduce\" or \"broadcast\".", *flagCollective)
		os.Exit(1)
	}
	op, err := godist.ReduceOpTypeString(*flagOp)
	if err != nil {
		klog.Errorf("Invalid -op: %v. See 'collbench -help'.", err)
		os.Exit(1)
	}
	dtype, err := dtypes.DTypeString(*flagDType)
	if err != nil {
		klog.Errorf("Invalid -dtype: %v. See 'collbench -help'.", err)
		os.Exit(1)
	}

	elapsed := run(op, dtype)
	report(op, dtype, elapsed)
}

// run launches the group members, waits for everyone to finish warming up
// and returns how long the timed iterations took.
func run(op godist.ReduceOpType, dtype dtypes.DType) time.Duration {
	st := store.NewHashStore()
	defer func() { _ = st.Close() }()

	var warmedUp, done sync.WaitGroup
	warmedUp.Add(*flagRanks)
	done.Add(*flagRanks)
	start := make(chan struct{})
	for rank := 0; rank < *flagRanks; rank++ {
		go member(rank, st, op, dtype, &warmedUp, start, &done)
	}

	warmedUp.Wait()
	begin := time.Now()
	close(start)
	done.Wait()
	return time.Since(begin)
}

// member is one rank of the group. Errors panic with a stack trace (see
// must): there is no recovering a half-failed benchmark.
func member(rank int, st store.Store, op godist.ReduceOpType, dtype dtypes.DType,
	warmedUp *sync.WaitGroup, start <-chan struct{}, done *sync.WaitGroup) {
	rt := device.NewRuntime(*flagDevices)
	pg := must.M1(godist.NewWithConfig("gccl:", godist.Options{
		Store:     st,
		Rank:      rank,
		WorldSize: *flagRanks,
		Runtime:   rt,
	}))
	defer done.Done()
	defer pg.Finalize()

	tensors := make([]*device.Tensor, *flagDevices)
	for i := range tensors {
		tensors[i] = rt.Device(i).NewTensor(dtype, *flagSize)
	}
	issue := func() {
		var w godist.Work
		var err error
		if *flagCollective == "broadcast" {
			w, err = pg.Broadcast(tensors, godist.BroadcastOptions{})
		} else {
			w, err = pg.AllReduce(tensors, godist.AllreduceOptions{Op: op})
		}
		must.M(err)
		must.M(w.Wait())
	}

	for i := 0; i < *flagWarmup; i++ {
		issue()
	}
	warmedUp.Done()
	<-start

	var bar *progressbar.ProgressBar
	if rank == 0 {
		bar = progressbar.NewOptions(*flagIters,
			progressbar.OptionSetDescription("benchmarking"),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("ops"),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
		)
	}
	for i := 0; i < *flagIters; i++ {
		issue()
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
		fmt.Println()
	}
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
	oddRowStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).PaddingLeft(1).PaddingRight(1)
)

func newPlainTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

func report(op godist.ReduceOpType, dtype dtypes.DType, elapsed time.Duration) {
	members := *flagRanks * *flagDevices
	name := *flagCollective
	if name == "allreduce" {
		name = fmt.Sprintf("allreduce(%s)", op)
	}
	tensorBytes := uint64(dtype.Memory()) * uint64(*flagSize)
	moved := tensorBytes * uint64(members) * uint64(*flagIters)
	rate := float64(moved) / elapsed.Seconds()

	fmt.Println(titleStyle.Render("collbench"))
	table := newPlainTable()
	table.Row("collective", name)
	table.Row("world", fmt.Sprintf("%d ranks x %d devices = %d members",
		*flagRanks, *flagDevices, members))
	table.Row("tensor", fmt.Sprintf("%s x %s = %s",
		humanize.Comma(int64(*flagSize)), dtype, humanize.Bytes(tensorBytes)))
	table.Row("iterations", humanize.Comma(int64(*flagIters)))
	table.Row("total time", elapsed.Round(time.Millisecond).String())
	table.Row("latency/op", (elapsed / time.Duration(*flagIters)).Round(time.Microsecond).String())
	table.Row("aggregate rate", humanize.Bytes(uint64(rate))+"/s")
	fmt.Println(table.Render())
}
