// Package cli builds the pintos command-line tree: boot the simulated
// kernel, run a program through it, and introspect what is left running or
// what its subsystems hold. It plays the same role proctor/cmd plays for
// that tool's process/source commands, generalized from OS-process
// inspection to this package's own simulated kernel.
//
// Do not use this package from other Go packages. Instead import the
// packages it wires directly — internal/kernel, internal/process,
// internal/sched.
package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/arctir/pintos/internal/kernel"
	"github.com/arctir/pintos/internal/process"
	"github.com/arctir/pintos/internal/sched"
)

type outputType int

const (
	tableOut outputType = iota
	jsonOut
)

const (
	outputFlag      = "output"
	mlfqsFlag       = "mlfqs"
	storeFlag       = "store"
	swapFlag        = "swap"
	swapSlotsFlag   = "swap-slots"
	kernelPagesFlag = "kernel-pages"
	userPagesFlag   = "user-pages"
)

// SetupCLI constructs the cobra hierarchy for the pintos CLI. Built fresh
// on every call rather than from package-level command vars, so repeated
// invocations (one per test, or one per REPL command in an embedder) never
// share mutable flag state.
func SetupCLI() *cobra.Command {
	pintosCmd := &cobra.Command{
		Use:   "pintos",
		Short: "Boot the simulated kernel and run or inspect programs on it.",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) == 0 {
				cmd.Help()
				os.Exit(0)
			}
		},
	}

	runCmd := &cobra.Command{
		Use:   "run <program>",
		Short: "Boot the kernel, exec a program from the file store, and report that it exited.",
		Run:   runRun,
	}
	psCmd := &cobra.Command{
		Use:     "ps <program>...",
		Aliases: []string{"list"},
		Short:   "Boot the kernel, launch one or more programs, and list the threads running on it.",
		Run:     runPs,
	}
	inspectCmd := &cobra.Command{
		Use:   "inspect <program>",
		Short: "Boot the kernel, launch a program, and dump its process state before it exits.",
		Run:   runInspect,
	}
	dumpCmd := &cobra.Command{
		Use:   "dump",
		Short: "Boot the kernel and dump the frame pool and swap device it allocated.",
		Run:   runDump,
	}

	for _, c := range []*cobra.Command{runCmd, psCmd, inspectCmd, dumpCmd} {
		c.Flags().StringP(outputFlag, "o", "table", "Output type for command [table (default), json].")
		c.Flags().Bool(mlfqsFlag, false, "Schedule with the multi-level feedback queue instead of round-robin-with-donation.")
		c.Flags().String(storeFlag, "", "Path to the on-disk file store (defaults under the XDG data directory).")
		c.Flags().String(swapFlag, "", "Path to the swap device image (defaults under the XDG data directory).")
		c.Flags().Int(swapSlotsFlag, 0, "Number of swap slots to format the swap device with (0 keeps the kernel's default).")
		c.Flags().Int(kernelPagesFlag, 0, "Kernel frame pool size in pages (0 keeps the kernel's default).")
		c.Flags().Int(userPagesFlag, 0, "User frame pool size in pages (0 keeps the kernel's default).")
		pintosCmd.AddCommand(c)
	}

	return pintosCmd
}

func configFromFlags(fs *pflag.FlagSet) kernel.Config {
	mode := sched.ModeRoundRobin
	if mlfqs, _ := fs.GetBool(mlfqsFlag); mlfqs {
		mode = sched.ModeMLFQ
	}
	store, _ := fs.GetString(storeFlag)
	swapPath, _ := fs.GetString(swapFlag)
	slots, _ := fs.GetInt(swapSlotsFlag)
	kpages, _ := fs.GetInt(kernelPagesFlag)
	upages, _ := fs.GetInt(userPagesFlag)
	return kernel.Config{
		Mode:        mode,
		StorePath:   store,
		SwapPath:    swapPath,
		SwapSlots:   slots,
		KernelPages: kpages,
		UserPages:   upages,
	}
}

func resolveOutputType(fs *pflag.FlagSet) outputType {
	of, err := fs.GetString(outputFlag)
	if err != nil {
		return tableOut
	}
	switch of {
	case "json":
		return jsonOut
	default:
		return tableOut
	}
}

// runRun boots a kernel, execs args[0] with no simulated instruction
// stream (spec section 4.5's exec loads the image; there is nothing
// further for a CLI invocation to drive), and waits for it to exit.
func runRun(cmd *cobra.Command, args []string) {
	if len(args) == 0 {
		cmd.Help()
		os.Exit(0)
	}
	k, err := kernel.Boot(configFromFlags(cmd.Flags()))
	if err != nil {
		outputErrorAndFail(fmt.Sprintf("boot failed: %s", err))
	}
	defer k.Shutdown()

	command := args[0]
	thread, err := k.Run(command, nil)
	if err != nil {
		outputErrorAndFail(fmt.Sprintf("run failed: %s", err))
	}
	k.Sched.Wait(thread)
	fmt.Printf("%s: exited\n", command)
}

// runPs boots a kernel, launches every named program with a body that
// blocks until ps has taken its snapshot, lists the live threads, then
// releases them to exit.
func runPs(cmd *cobra.Command, args []string) {
	if len(args) == 0 {
		cmd.Help()
		os.Exit(0)
	}
	k, err := kernel.Boot(configFromFlags(cmd.Flags()))
	if err != nil {
		outputErrorAndFail(fmt.Sprintf("boot failed: %s", err))
	}
	defer k.Shutdown()

	release := make(chan struct{})
	var threads []*sched.Thread
	for _, command := range args {
		th, err := k.Run(command, func(p *process.Process) { <-release })
		if err != nil {
			outputErrorAndFail(fmt.Sprintf("run failed for %q: %s", command, err))
		}
		threads = append(threads, th)
	}
	// give each newly-created thread a chance to register before sampling;
	// Create already registers synchronously, so this is a courtesy wait
	// for threads that outrank main and preempted it mid-loop.
	time.Sleep(5 * time.Millisecond)

	out, err := createThreadListOutput(k.Sched.Threads(), resolveOutputType(cmd.Flags()))
	if err != nil {
		outputErrorAndFail(fmt.Sprintf("failed creating output: %s", err))
	}
	output(out)

	close(release)
	for _, th := range threads {
		k.Sched.Wait(th)
	}
}

// runInspect boots a kernel, launches a single program with a body that
// blocks until inspect has dumped its process state, then releases it.
func runInspect(cmd *cobra.Command, args []string) {
	if len(args) == 0 {
		cmd.Help()
		os.Exit(0)
	}
	k, err := kernel.Boot(configFromFlags(cmd.Flags()))
	if err != nil {
		outputErrorAndFail(fmt.Sprintf("boot failed: %s", err))
	}
	defer k.Shutdown()

	release := make(chan struct{})
	var proc *process.Process
	th, err := k.Run(args[0], func(p *process.Process) {
		proc = p
		<-release
	})
	if err != nil {
		outputErrorAndFail(fmt.Sprintf("run failed: %s", err))
	}
	time.Sleep(5 * time.Millisecond)

	if proc == nil {
		close(release)
		k.Sched.Wait(th)
		outputErrorAndFail(fmt.Sprintf("%s exited before it could be inspected", args[0]))
	}
	fmt.Print(spew.Sdump(proc))

	close(release)
	k.Sched.Wait(th)
}

// runDump boots a kernel and dumps the frame pool and swap device it
// allocated, surfacing internal accounting (free lists, clock hand,
// slot bitmap) that has no other user-facing view.
func runDump(cmd *cobra.Command, args []string) {
	k, err := kernel.Boot(configFromFlags(cmd.Flags()))
	if err != nil {
		outputErrorAndFail(fmt.Sprintf("boot failed: %s", err))
	}
	defer k.Shutdown()

	fmt.Println("frame pool:")
	fmt.Print(spew.Sdump(k.Pool))
	fmt.Println("swap device:")
	fmt.Print(spew.Sdump(k.Swap))
}

func output(out []byte) {
	fmt.Printf("%s", out)
}

func outputErrorAndFail(msg string) {
	fmt.Println(msg)
	os.Exit(1)
}

func createThreadListOutput(threads []*sched.Thread, ot outputType) ([]byte, error) {
	if ot == jsonOut {
		return createJSONThreadListOutput(threads), nil
	}
	return createTableThreadListOutput(threads), nil
}

type threadView struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	State    string `json:"state"`
	Priority int    `json:"priority"`
}

func createJSONThreadListOutput(threads []*sched.Thread) []byte {
	views := make([]threadView, 0, len(threads))
	for _, t := range threads {
		views = append(views, threadView{ID: t.ID(), Name: t.Name(), State: t.State().String(), Priority: t.EffectivePriority()})
	}
	out, _ := json.Marshal(views)
	return out
}

func createTableThreadListOutput(threads []*sched.Thread) []byte {
	rows := make([][]string, 0, len(threads))
	for _, t := range threads {
		rows = append(rows, []string{
			strconv.FormatInt(t.ID(), 10),
			t.Name(),
			t.State().String(),
			strconv.Itoa(t.EffectivePriority()),
		})
	}

	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetHeader([]string{"TID", "name", "state", "priority"})
	table.AppendBulk(rows)
	table.Render()
	return buf.Bytes()
}
