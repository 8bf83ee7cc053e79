package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"framebroker/internal/broker"
	"framebroker/internal/ring"
)

func writeStats(out io.Writer, st broker.Stats) error {
	latest := "-"
	if st.LatestFrame != nil {
		latest = strconv.FormatUint(*st.LatestFrame, 10)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "topic\t%s\n", st.Topic)
	fmt.Fprintf(w, "path\t%s\n", st.Path)
	fmt.Fprintf(w, "version\t%d\n", st.Version)
	fmt.Fprintf(w, "created\t%s\n", st.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "geometry\t%d slots x %d bytes, %d consumers\n", st.SlotCount, st.SlotCapacity, st.MaxConsumers)
	fmt.Fprintf(w, "latest frame\t%s\n", latest)
	fmt.Fprintf(w, "producer\tid %d pid %d alive %t generation %d session %s\n",
		st.Producer.ID, st.Producer.PID, st.Producer.Alive, st.Producer.Generation, st.Producer.Session)
	fmt.Fprintf(w, "published\t%d\n", st.Counters.Published)
	fmt.Fprintf(w, "dropped\toverlap %d, oversize %d\n", st.Counters.DroppedOverlap, st.Counters.DroppedOversize)
	fmt.Fprintf(w, "recovered slots\t%d\n", st.Counters.RecoveredSlots)
	if err := w.Flush(); err != nil {
		return err
	}

	if len(st.Consumers) == 0 {
		_, err := fmt.Fprintln(out, "\nno consumers")
		return err
	}

	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tPID\tLAST SEEN\tSLOT\tOPENED\tSKIPPED\tMISSED\tHEARTBEAT")
	for _, c := range st.Consumers {
		seen, slot := "-", "-"
		if c.LastSeen != nil {
			seen = strconv.FormatUint(*c.LastSeen, 10)
		}
		if c.ActiveSlot >= 0 {
			slot = strconv.Itoa(c.ActiveSlot)
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%d\t%d\t%d\t%s\n",
			c.ID, c.State, c.PID, seen, slot, c.Opened, c.Skipped, c.Missed, age(c.Heartbeat))
	}
	return w.Flush()
}

func writeSlots(out io.Writer, slots []ring.SlotState) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tFRAME\tREADERS\tWRITING\tSEQ")
	for _, s := range slots {
		frame := "-"
		if s.HasFrame {
			frame = strconv.FormatUint(s.FrameID, 10)
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%t\t%d\n", s.Index, frame, s.Readers, s.Writing, s.Seq)
	}
	return w.Flush()
}

func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Truncate(time.Millisecond).String() + " ago"
}
