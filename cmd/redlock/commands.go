package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/korotovsky/redlock/v1/lock"
)

var (
	lockType     string
	lockToken    string
	lockValidity time.Duration
	waitFor      time.Duration

	acquireCmd = &cobra.Command{
		Use:   "acquire [resource]",
		Short: "Acquire a lock and print its token",
		Args:  cobra.ExactArgs(1),
		RunE:  runAcquire,
	}

	releaseCmd = &cobra.Command{
		Use:   "release [resource]",
		Short: "Release a lock by type and token",
		Args:  cobra.ExactArgs(1),
		RunE:  runRelease,
	}

	hasCmd = &cobra.Command{
		Use:   "has [resource]",
		Short: "Report whether a quorum holds the lock",
		Args:  cobra.ExactArgs(1),
		RunE:  runHas,
	}

	listCmd = &cobra.Command{
		Use:   "list [resource]",
		Short: "List locks held by a quorum, optionally for one resource",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runList,
	}

	releaseAllCmd = &cobra.Command{
		Use:   "release-all",
		Short: "Release every quorum-held lock",
		Args:  cobra.NoArgs,
		RunE:  runReleaseAll,
	}

	clearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Delete every lock key on every node, quorum or not",
		Args:  cobra.NoArgs,
		RunE:  runClear,
	}

	nodesCmd = &cobra.Command{
		Use:   "nodes",
		Short: "Probe the configured nodes",
		Args:  cobra.NoArgs,
		RunE:  runNodes,
	}
)

func init() {
	acquireCmd.Flags().StringVar(&lockType, "type", string(lock.TypeWrite), "Lock type (read, write)")
	acquireCmd.Flags().StringVar(&lockToken, "token", "", "Owner token, generated when empty")
	acquireCmd.Flags().DurationVar(&lockValidity, "ttl", 0, "Validity of this lock, 0 uses --validity")
	acquireCmd.Flags().DurationVar(&waitFor, "wait", 0, "Block up to this long until the lock is free")

	releaseCmd.Flags().StringVar(&lockType, "type", string(lock.TypeWrite), "Lock type (read, write)")
	releaseCmd.Flags().StringVar(&lockToken, "token", "", "Owner token printed by acquire")
	_ = releaseCmd.MarkFlagRequired("token")

	hasCmd.Flags().StringVar(&lockType, "type", string(lock.TypeWrite), "Lock type (read, write)")
	hasCmd.Flags().StringVar(&lockToken, "token", "", "Owner token printed by acquire")
	_ = hasCmd.MarkFlagRequired("token")
}

func commandLock(resource string) lock.Lock {
	l := lock.Lock{Resource: resource, Type: lock.LockType(lockType), Token: lockToken}
	if l.Token == "" {
		l.Token = lock.NewToken()
	}
	return l.WithValidity(lockValidity)
}

func runAcquire(cmd *cobra.Command, args []string) error {
	m, closeAll, err := connect()
	if err != nil {
		return err
	}
	defer closeAll()

	l := commandLock(args[0])
	ctx := cmd.Context()
	if waitFor > 0 {
		wctx, cancel := context.WithTimeout(ctx, waitFor)
		defer cancel()
		if err := m.AcquireWait(wctx, l); err != nil {
			return err
		}
	} else {
		acquired, err := m.AcquireLock(ctx, l)
		if err != nil {
			return err
		}
		if !acquired {
			fmt.Fprintln(cmd.OutOrStdout(), "acquired=false")
			return nil
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "acquired=true token=%s\n", l.Token)
	return nil
}

func runRelease(cmd *cobra.Command, args []string) error {
	m, closeAll, err := connect()
	if err != nil {
		return err
	}
	defer closeAll()

	released, err := m.ReleaseLock(cmd.Context(), commandLock(args[0]))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "released=%v\n", released)
	return nil
}

func runHas(cmd *cobra.Command, args []string) error {
	m, closeAll, err := connect()
	if err != nil {
		return err
	}
	defer closeAll()

	held, err := m.HasLock(cmd.Context(), commandLock(args[0]))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "held=%v\n", held)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	m, closeAll, err := connect()
	if err != nil {
		return err
	}
	defer closeAll()

	var resource string
	if len(args) == 1 {
		resource = args[0]
	}
	pattern := m.Codec().Pattern(resource, "", "")
	for _, l := range m.GetCurrentLocks(cmd.Context(), pattern) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", l.Resource, l.Type, l.Token)
	}
	return nil
}

func runReleaseAll(cmd *cobra.Command, _ []string) error {
	m, closeAll, err := connect()
	if err != nil {
		return err
	}
	defer closeAll()

	fmt.Fprintf(cmd.OutOrStdout(), "released=%d\n", m.ReleaseAllLocks(cmd.Context()))
	return nil
}

func runClear(cmd *cobra.Command, _ []string) error {
	m, closeAll, err := connect()
	if err != nil {
		return err
	}
	defer closeAll()

	fmt.Fprintf(cmd.OutOrStdout(), "deleted=%d\n", m.ClearAllLocks(cmd.Context()))
	return nil
}

func runNodes(cmd *cobra.Command, _ []string) error {
	m, closeAll, err := connect()
	if err != nil {
		return err
	}
	defer closeAll()

	status := m.NodeStatus(cmd.Context())
	names := make([]string, 0, len(status))
	for name := range status {
		names = append(names, name)
	}
	sort.Strings(names)
	up := 0
	for _, name := range names {
		state := "down"
		if status[name] {
			state = "up"
			up++
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", name, state)
	}
	q := m.Quorum()
	fmt.Fprintf(cmd.OutOrStdout(), "up=%d/%d quorum=%d approved=%v\n", up, q.Total(), q.Size(), q.IsApproved(up))
	return nil
}
