package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/postscope/postscope/internal/session"
	"github.com/postscope/postscope/internal/state"
)

func runShow(args []string) error {
	args, common, err := splitCommon(args)
	if err != nil {
		return err
	}
	id, err := parseSessionID(args, "show")
	if err != nil {
		return err
	}

	a, err := newApp(common)
	if err != nil {
		return err
	}
	defer a.close()

	sess, err := a.manager.Load(context.Background(), id, printProgress())
	if err != nil {
		return err
	}
	fmt.Println()
	printOverview(sess)
	return nil
}

func runRecluster(args []string) error {
	args, common, err := splitCommon(args)
	if err != nil {
		return err
	}
	if len(args) < 2 {
		return fmt.Errorf("usage: postscope recluster <id> <min-cluster-size>")
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	size, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid minimum cluster size %q", args[1])
	}

	a, err := newApp(common)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := context.Background()
	sess, err := a.manager.Load(ctx, id, nil)
	if err != nil {
		return err
	}
	if err := sess.Recluster(ctx, size); err != nil {
		return err
	}
	printOverview(sess)
	return nil
}

func runRenameCluster(args []string) error {
	args, common, err := splitCommon(args)
	if err != nil {
		return err
	}
	if len(args) < 3 {
		return fmt.Errorf("usage: postscope rename-cluster <id> <label> <name>")
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	label, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid cluster label %q", args[1])
	}
	if label == state.NoiseLabel {
		return fmt.Errorf("noise cannot be renamed")
	}
	name := args[2]

	a, err := newApp(common)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := context.Background()
	sess, err := a.manager.Load(ctx, id, nil)
	if err != nil {
		return err
	}
	sess.RenameCluster(ctx, label, name)
	fmt.Printf("Cluster %d renamed to %q.\n", label, name)
	return nil
}

func runQuery(args []string) error {
	args, common, err := splitCommon(args)
	if err != nil {
		return err
	}
	if len(args) < 2 {
		return fmt.Errorf("usage: postscope query <id> <text>")
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	text := args[1]

	a, err := newApp(common)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := context.Background()
	sess, err := a.manager.Load(ctx, id, nil)
	if err != nil {
		return err
	}
	coords, err := sess.Query(ctx, text)
	if err != nil {
		return err
	}
	if coords == nil {
		fmt.Println("Query marker cleared.")
		return nil
	}
	fmt.Printf("%q maps to (%.4f, %.4f)\n", text, coords[0], coords[1])
	return nil
}

func printOverview(sess *session.Session) {
	st := sess.State

	fmt.Printf("Session %d: %s\n", sess.ID(), st.Name)
	fmt.Printf("  %d posts, %d clusters (min size %d)\n",
		len(st.Items), st.UniqueClusterCount(), st.CurrentMinClusterSize)

	sizes := map[int]int{}
	for _, l := range st.CurrentLabels {
		sizes[l]++
	}
	labels := make([]int, 0, len(sizes))
	for l := range sizes {
		if l != state.NoiseLabel {
			labels = append(labels, l)
		}
	}
	sort.Ints(labels)

	for rank, l := range labels {
		name := fmt.Sprintf("Cluster %d", rank+1)
		visible := ""
		if c := st.Customization(l); c != nil {
			name = c.Name
			if c.Visible {
				visible = " (visible)"
			}
		}
		fmt.Printf("  [%d] %-30s %d posts%s\n", l, name, sizes[l], visible)
	}
	if n := sizes[state.NoiseLabel]; n > 0 {
		fmt.Printf("  [%d] %-30s %d posts\n", state.NoiseLabel, "noise", n)
	}

	_, _, globalMin, globalMax := st.TimeRange()
	if globalMin != nil && globalMax != nil {
		fmt.Printf("  date range %s to %s\n",
			globalMin.Format("2006-01-02"), globalMax.Format("2006-01-02"))
	}
}
