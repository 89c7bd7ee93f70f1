package main

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/exp/rand"

	"github.com/tensorlab/graphsched/alloc"
	"github.com/tensorlab/graphsched/envconfig"
	"github.com/tensorlab/graphsched/format"
	"github.com/tensorlab/graphsched/logutil"
	"github.com/tensorlab/graphsched/ml"
	"github.com/tensorlab/graphsched/ml/backend/cpu"
	"github.com/tensorlab/graphsched/sched"
	"github.com/tensorlab/graphsched/version"
)

func main() {
	level := slog.LevelInfo
	if envconfig.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(logutil.NewLogger(os.Stderr, level))

	cobra.CheckErr(NewCLI().Execute())
}

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "graphsched",
		Short:   "Schedule and run a synthetic compute graph across backends",
		Version: version.Version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SilenceUsage = true
		},
		RunE: runHandler,
	}

	rootCmd.Flags().Int("layers", 8, "Number of matmul+add layers in the synthetic graph")
	rootCmd.Flags().Int("dim", 64, "Square matrix dimension")
	rootCmd.Flags().Int("invocations", 3, "Number of pipelined invocations to run")
	rootCmd.Flags().Uint64("seed", 0, "Random seed for synthetic data (0 = time-based)")

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Show environment variables and their current values",
		Run: func(cmd *cobra.Command, args []string) {
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"NAME", "VALUE", "DESCRIPTION"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeaderLine(false)
			table.SetBorder(false)
			table.SetNoWhiteSpace(true)
			table.SetTablePadding("    ")
			for _, v := range envconfig.AsMap() {
				table.Append([]string{v.Name, fmt.Sprintf("%v", v.Value), v.Description})
			}
			table.Render()
		},
	}

	rootCmd.AddCommand(envCmd)
	return rootCmd
}

func runHandler(cmd *cobra.Command, args []string) error {
	layers, _ := cmd.Flags().GetInt("layers")
	dim, _ := cmd.Flags().GetInt("dim")
	invocations, _ := cmd.Flags().GetInt("invocations")
	seed, _ := cmd.Flags().GetUint64("seed")
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	// a simulated accelerator that only does matrix work, and the CPU
	// fallback that can run anything
	accel := cpu.New(cpu.Options{Name: "accel", Priority: 0, Ops: []ml.Op{ml.OpMatMul, ml.OpMul}})
	defer accel.Close()

	fallback, err := ml.NewBackend("cpu")
	if err != nil {
		return err
	}
	if c, ok := fallback.(*cpu.Backend); ok {
		defer c.Close()
	}

	arena := alloc.New()
	s, err := sched.New(arena, accel, fallback)
	if err != nil {
		return err
	}

	g, x, out := buildGraph(s, layers, dim)

	splits, err := s.AssignAndSplit(g)
	if err != nil {
		return err
	}

	var params uint64
	for _, leaf := range g.Leafs() {
		params += uint64(leaf.Elements())
	}
	fmt.Printf("graph: %d nodes, %s parameters\n", len(g.Nodes()), format.HumanNumber(params))

	if err := s.Reserve(); err != nil {
		return err
	}

	printPlan(splits)

	for name, size := range s.BufferSizes() {
		fmt.Printf("%-8s %s\n", name, format.HumanBytes(size))
	}

	rng := rand.New(rand.NewSource(seed))
	for i := 0; i < invocations; i++ {
		fillUniform(x, rng)

		start := time.Now()
		status, err := s.Execute()
		if err != nil {
			return err
		}

		if err := s.Synchronize(); err != nil {
			return err
		}

		fmt.Printf("invocation %d: %s in %v (output %s, %s)\n", i, status, time.Since(start), out.Name, format.HumanBytes(uint64(out.Bytes())))
	}

	return nil
}

// buildGraph assembles a chain of layers: each one multiplies by a weight
// matrix on the accelerator, then biases and scales on whichever backend
// the assigner picks.
func buildGraph(s *sched.Scheduler, layers, dim int) (*ml.Graph, *ml.Tensor, *ml.Tensor) {
	g := ml.NewGraph()

	d := int64(dim)
	x := g.Leaf(&ml.Tensor{Name: "x", DType: ml.DTypeF32, Shape: []int64{d, d}, Input: true})

	cur := x
	for i := 0; i < layers; i++ {
		w := g.Leaf(&ml.Tensor{Name: fmt.Sprintf("w%d", i), DType: ml.DTypeF32, Shape: []int64{d, d}})
		b := g.Leaf(&ml.Tensor{Name: fmt.Sprintf("b%d", i), DType: ml.DTypeF32, Shape: []int64{d, d}})

		// weights live on the accelerator, like model weights loaded
		// into device memory
		if err := s.SetTensorBackend(w, "accel"); err != nil {
			panic(err)
		}

		mm := g.MatMul("mm"+strconv.Itoa(i), cur, w)
		sum := g.Add("add"+strconv.Itoa(i), mm, b)
		cur = g.Scale("scale"+strconv.Itoa(i), sum, 1.0/float64(dim))
	}

	cur.Output = true
	return g, x, cur
}

func printPlan(splits []sched.Split) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"SPLIT", "BACKEND", "NODES", "INPUTS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")

	for i, sp := range splits {
		names := make([]string, 0, len(sp.Inputs))
		for _, in := range sp.Inputs {
			names = append(names, in.Name)
		}

		table.Append([]string{
			strconv.Itoa(i),
			sp.Backend.Name(),
			fmt.Sprintf("[%d, %d)", sp.Start, sp.End),
			fmt.Sprintf("%v", names),
		})
	}

	table.Render()
}

func fillUniform(t *ml.Tensor, rng *rand.Rand) {
	data := t.Data()
	if data == nil {
		return
	}

	for i := int64(0); i < t.Elements(); i++ {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(rng.Float32()))
	}
}
