package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/edvin/wgfleet/internal/faults"
)

func cmdGroup(args []string) {
	if len(args) < 1 {
		usageErr("Usage: wgfleet group <add-member|members|assign|failover|history> [options]")
	}
	switch args[0] {
	case "add-member":
		groupAddMember(args[1:])
	case "members":
		groupMembers(args[1:])
	case "assign":
		groupAssign(args[1:])
	case "failover":
		groupFailover(args[1:])
	case "history":
		groupHistory(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown group command: %s\n", args[0])
		os.Exit(faults.ExitUserError)
	}
}

func groupAddMember(args []string) {
	fs := flag.NewFlagSet("group add-member", flag.ExitOnError)
	priority := fs.Int("priority", 100, "Static priority (lower wins)")
	weight := fs.Int("weight", 1, "Round-robin weight")
	fs.Parse(args)

	if fs.NArg() < 2 {
		usageErr("Usage: wgfleet group add-member [-priority N] [-weight N] <group> <exit-hostname>")
	}

	a, err := openApp()
	if err != nil {
		fail(err)
	}
	defer a.Close()

	if err := a.core.AddGroupMember(context.Background(), fs.Arg(0), fs.Arg(1), *priority, *weight); err != nil {
		fail(err)
	}
	fmt.Printf("Added %q to group %q\n", fs.Arg(1), fs.Arg(0))
}

func groupMembers(args []string) {
	if len(args) < 1 {
		usageErr("Usage: wgfleet group members <group>")
	}

	a, err := openApp()
	if err != nil {
		fail(err)
	}
	defer a.Close()

	ctx := context.Background()
	g, err := a.core.GetExitGroup(ctx, args[0])
	if err != nil {
		fail(err)
	}
	members, err := a.core.GroupMembers(ctx, g.ID)
	if err != nil {
		fail(err)
	}

	fmt.Printf("%-24s %-10s %-8s %-8s %s\n", "EXIT", "STATE", "PRIO", "WEIGHT", "LATENCY")
	for _, m := range members {
		ex, err := a.core.GetExitNodeByID(ctx, m.ExitNodeID)
		if err != nil {
			fail(err)
		}
		latency := "-"
		if m.LatencyMs != nil {
			latency = fmt.Sprintf("%.1f ms", *m.LatencyMs)
		}
		state := string(m.State)
		if !m.Enabled {
			state += " (disabled)"
		}
		fmt.Printf("%-24s %-10s %-8d %-8d %s\n",
			ex.Hostname, state, m.StaticPriority+m.PriorityAdjustment, m.Weight, latency)
	}
}

func groupAssign(args []string) {
	fs := flag.NewFlagSet("group assign", flag.ExitOnError)
	exitNode := fs.String("exit", "", "Pin the remote to one exit node")
	group := fs.String("group", "", "Attach the remote to an exit group")
	fs.Parse(args)

	if fs.NArg() < 1 || (*exitNode == "" && *group == "") {
		usageErr("Usage: wgfleet group assign (-exit HOSTNAME | -group NAME) <remote-hostname>")
	}

	a, err := openApp()
	if err != nil {
		fail(err)
	}
	defer a.Close()

	if err := a.core.AssignExit(context.Background(), fs.Arg(0), *exitNode, *group); err != nil {
		fail(err)
	}
	fmt.Printf("Exit assignment updated for %q\n", fs.Arg(0))
}

func groupFailover(args []string) {
	if len(args) < 2 {
		usageErr("Usage: wgfleet group failover <group> <from-exit-hostname>")
	}

	a, err := openApp()
	if err != nil {
		fail(err)
	}
	defer a.Close()

	outcome, err := a.core.ForceFailover(context.Background(), args[0], args[1])
	if err != nil {
		fail(err)
	}
	fmt.Printf("Moved %d remote(s) off %q\n", len(outcome.Reassigned), args[1])
	fmt.Println("Regenerate and deploy affected configs to make it effective")
}

func groupHistory(args []string) {
	fs := flag.NewFlagSet("group history", flag.ExitOnError)
	limit := fs.Int("limit", 20, "Entries to show")
	fs.Parse(args)

	if fs.NArg() < 1 {
		usageErr("Usage: wgfleet group history [-limit N] <group>")
	}

	a, err := openApp()
	if err != nil {
		fail(err)
	}
	defer a.Close()

	ctx := context.Background()
	g, err := a.core.GetExitGroup(ctx, fs.Arg(0))
	if err != nil {
		fail(err)
	}
	records, err := a.core.FailoverHistory(ctx, g.ID, *limit)
	if err != nil {
		fail(err)
	}

	exitName := func(id *int64) string {
		if id == nil {
			return "(none)"
		}
		ex, err := a.core.GetExitNodeByID(ctx, *id)
		if err != nil {
			return fmt.Sprintf("#%d", *id)
		}
		return ex.Hostname
	}
	for _, rec := range records {
		status := "ok"
		if !rec.Success {
			status = "FAILED: " + rec.ErrorMessage
		}
		fmt.Printf("%s  remote #%d  %s -> %s  (%s)  %s\n",
			rec.CreatedAt.Format("2006-01-02 15:04:05"),
			rec.RemoteID, exitName(rec.FromExitID), exitName(rec.ToExitID),
			rec.TriggerReason, status)
	}
}
