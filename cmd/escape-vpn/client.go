package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"escape-vpn/internal/core"
	"escape-vpn/internal/ipc"
)

func dial(cf *clientFlags) (*ipc.Client, bool) {
	client, err := ipc.DialAddressFile(cf.addressFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "escape-vpn: cannot reach daemon: %v\n", err)
		return nil, false
	}
	return client, true
}

func parsePID(s string) (uint32, error) {
	pid, err := strconv.ParseUint(s, 10, 32)
	if err != nil || pid == 0 {
		return 0, fmt.Errorf("invalid pid %q", s)
	}
	return uint32(pid), nil
}

// delayFlag tracks whether --delay was given so the daemon default can apply.
type delayFlag struct {
	ms  uint
	set bool
}

func (d *delayFlag) register(fs *flag.FlagSet) {
	fs.UintVar(&d.ms, "delay", 0, "Milliseconds a connection may stay in SYN_SENT before it is routed (default: daemon setting)")
}

func (d *delayFlag) request(pid uint32, fs *flag.FlagSet) (*ipc.AttachRequest, error) {
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "delay" {
			d.set = true
		}
	})
	if d.ms > math.MaxUint32 {
		return nil, fmt.Errorf("delay %d ms is out of range", d.ms)
	}
	return &ipc.AttachRequest{PID: pid, DelayMS: uint32(d.ms), DefaultDelay: !d.set}, nil
}

func describeRPCError(err error) string {
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable:
			return "daemon unavailable: " + st.Message()
		case codes.ResourceExhausted:
			return "daemon refused: " + st.Message()
		case codes.InvalidArgument:
			return "protocol error: " + st.Message()
		}
		return st.Message()
	}
	return err.Error()
}

// attach sends the request and reports the result. On success the returned
// session is still open.
func attach(ctx context.Context, client *ipc.Client, req *ipc.AttachRequest) (*ipc.AttachSession, bool) {
	session, err := client.Attach(ctx, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "escape-vpn: attach %d: %s\n", req.PID, describeRPCError(err))
		return nil, false
	}
	if session.Result != ipc.AttachOK {
		fmt.Fprintf(os.Stderr, "escape-vpn: attach %d: %s\n", req.PID, session.Result)
		return nil, false
	}
	core.Log.Infof("Client", "Attached to pid %d", req.PID)
	return session, true
}

func runAttach(args []string) int {
	fs := flag.NewFlagSet("attach", flag.ContinueOnError)
	var cf clientFlags
	var delay delayFlag
	cf.register(fs)
	delay.register(fs)
	pos, err := parseInterleaved(fs, args)
	if err != nil {
		return 2
	}
	if len(pos) != 1 {
		fmt.Fprintln(os.Stderr, "usage: escape-vpn attach [--delay MS] <pid>")
		return 2
	}
	cf.apply()

	pid, err := parsePID(pos[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "escape-vpn: %v\n", err)
		return 2
	}
	req, err := delay.request(pid, fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "escape-vpn: %v\n", err)
		return 2
	}

	client, ok := dial(&cf)
	if !ok {
		return 1
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session, ok := attach(ctx, client, req)
	if !ok {
		return 1
	}
	fmt.Printf("Monitoring pid %d. Press Ctrl+C to stop following; use 'escape-vpn detach %d' to stop monitoring.\n", pid, pid)

	if err := session.Wait(); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "escape-vpn: attach %d: %s\n", pid, describeRPCError(err))
		return 1
	}
	return 0
}

func runLaunch(args []string) int {
	fs := flag.NewFlagSet("launch", flag.ContinueOnError)
	var cf clientFlags
	var delay delayFlag
	cf.register(fs)
	delay.register(fs)
	command, err := launchCommand(fs, args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "usage: escape-vpn launch [--delay MS] [--] <command...>")
		return 2
	}
	cf.apply()

	client, ok := dial(&cf)
	if !ok {
		return 1
	}
	defer client.Close()

	child := exec.Command(command[0], command[1:]...)
	child.Stdin, child.Stdout, child.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := child.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "escape-vpn: launch %s: %v\n", command[0], err)
		return 1
	}
	pid := uint32(child.Process.Pid)

	// The child shares our terminal and receives Ctrl+C itself.
	signal.Ignore(os.Interrupt)

	exited := make(chan error, 1)
	go func() { exited <- child.Wait() }()

	req, err := delay.request(pid, fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "escape-vpn: %v\n", err)
		child.Process.Kill()
		<-exited
		return 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session, attached := attach(ctx, client, req)
	waitErr := <-exited
	cancel()

	if attached {
		_ = session.Wait()
		detachCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		result, err := client.Detach(detachCtx, pid)
		done()
		if err != nil {
			core.Log.Warnf("Client", "Detach %d: %s", pid, describeRPCError(err))
		} else {
			core.Log.Infof("Client", "Detach %d: %s", pid, result)
		}
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if waitErr != nil {
		fmt.Fprintf(os.Stderr, "escape-vpn: %v\n", waitErr)
		return 1
	}
	if !attached {
		return 1
	}
	return 0
}

func runDetach(args []string) int {
	fs := flag.NewFlagSet("detach", flag.ContinueOnError)
	var cf clientFlags
	cf.register(fs)
	pos, err := parseInterleaved(fs, args)
	if err != nil {
		return 2
	}
	if len(pos) != 1 {
		fmt.Fprintln(os.Stderr, "usage: escape-vpn detach <pid>")
		return 2
	}
	cf.apply()

	pid, err := parsePID(pos[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "escape-vpn: %v\n", err)
		return 2
	}

	client, ok := dial(&cf)
	if !ok {
		return 1
	}
	defer client.Close()

	result, err := client.Detach(context.Background(), pid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "escape-vpn: detach %d: %s\n", pid, describeRPCError(err))
		return 1
	}
	fmt.Printf("detach %d: %s\n", pid, result)
	if result != ipc.DetachOK {
		return 1
	}
	return 0
}

func runPurge(args []string) int {
	fs := flag.NewFlagSet("purge", flag.ContinueOnError)
	var cf clientFlags
	cf.register(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cf.apply()

	client, ok := dial(&cf)
	if !ok {
		return 1
	}
	defer client.Close()

	if err := client.Purge(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "escape-vpn: purge: %s\n", describeRPCError(err))
		return 1
	}
	fmt.Println("purge: Ok")
	return 0
}

func runList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	var cf clientFlags
	cf.register(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cf.apply()

	client, ok := dial(&cf)
	if !ok {
		return 1
	}
	defer client.Close()

	resp, err := client.List(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "escape-vpn: list: %s\n", describeRPCError(err))
		return 1
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PID\tSESSION\tDELAY\tUPTIME")
	for _, p := range resp.Processes {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", p.PID, p.Session,
			time.Duration(p.DelayMS)*time.Millisecond,
			(time.Duration(p.UptimeMS) * time.Millisecond).Truncate(time.Second))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "ADDRESS\tSTATE\tPENDING")
	for _, c := range resp.Connections {
		state, pending := "pending", (time.Duration(c.PendingMS) * time.Millisecond).String()
		if c.Routed {
			state, pending = "routed", "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", c.Address, state, pending)
	}
	w.Flush()
	return 0
}
