// Command arenactl inspects an arenaswap data directory offline: snapshot
// records, quarantined files, the transition journal and the sqlite index.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"arenaswap.ai/internal/persistence/indexdb"
	"arenaswap.ai/internal/persistence/journal"
	"arenaswap.ai/internal/persistence/snapshot"
	"arenaswap.ai/internal/sim/model"
)

var errUsage = errors.New("usage: arenactl <snapshots|show|quarantined|journal|pairs|transitions> [flags]")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "snapshots":
		return snapshotsCmd(args[1:], out)
	case "show":
		return showCmd(args[1:], out)
	case "quarantined":
		return quarantinedCmd(args[1:], out)
	case "journal":
		return journalCmd(args[1:], out)
	case "pairs":
		return pairsCmd(args[1:], out)
	case "transitions":
		return transitionsCmd(args[1:], out)
	default:
		return fmt.Errorf("%w (unknown command %q)", errUsage, args[0])
	}
}

func dataFlag(fs *flag.FlagSet) *string {
	return fs.String("data", "./data", "runtime data directory")
}

func openStore(dataDir string) (*snapshot.Store, error) {
	return snapshot.Open(filepath.Join(dataDir, "snapshots"), nil)
}

func snapshotsCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("snapshots", flag.ContinueOnError)
	dataDir := dataFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	store, err := openStore(*dataDir)
	if err != nil {
		return err
	}
	ents, err := store.List()
	if err != nil {
		return err
	}
	if len(ents) == 0 {
		fmt.Fprintln(out, "no snapshots")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PLAYER\tSIZE\tWRITTEN")
	for _, e := range ents {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Player, humanize.Bytes(uint64(e.Size)), humanize.Time(e.ModTime))
	}
	return tw.Flush()
}

func showCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	dataDir := dataFlag(fs)
	player := fs.String("player", "", "player id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := model.ParsePlayerID(*player)
	if err != nil {
		return fmt.Errorf("%w: bad -player: %v", errUsage, err)
	}
	store, err := openStore(*dataDir)
	if err != nil {
		return err
	}
	snap, err := store.Load(id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

func quarantinedCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("quarantined", flag.ContinueOnError)
	dataDir := dataFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	store, err := openStore(*dataDir)
	if err != nil {
		return err
	}
	paths, err := store.Quarantined()
	if err != nil {
		return err
	}
	for _, p := range paths {
		line := filepath.Base(p)
		if info, err := os.Stat(p); err == nil {
			line = fmt.Sprintf("%s\t%s\t%s", line, humanize.Bytes(uint64(info.Size())), humanize.Time(info.ModTime()))
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func journalCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("journal", flag.ContinueOnError)
	dataDir := dataFlag(fs)
	since := fs.Duration("since", 24*time.Hour, "only entries newer than this")
	player := fs.String("player", "", "only this player (optional)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var only model.PlayerID
	if *player != "" {
		id, err := model.ParsePlayerID(*player)
		if err != nil {
			return fmt.Errorf("%w: bad -player: %v", errUsage, err)
		}
		only = id
	}
	var from time.Time
	if *since > 0 {
		from = time.Now().Add(-*since)
	}
	ents, err := journal.ReadDir(filepath.Join(*dataDir, "journal"), from)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tPLAYER\tDIRECTION\tKIND\tZONE\tSTEP\tERROR")
	for _, e := range ents {
		if only != 0 && e.Player != only {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", e.At.UTC().Format(time.RFC3339), e.Player, e.Direction, e.Kind, e.Zone, e.Step, e.Error)
	}
	return tw.Flush()
}

func openIndex(dataDir string) (*indexdb.SQLiteIndex, error) {
	path := filepath.Join(dataDir, "index", "arenaswap.sqlite")
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("index: %w", err)
	}
	return indexdb.OpenSQLite(path, nil)
}

func pairsCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("pairs", flag.ContinueOnError)
	dataDir := dataFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	idx, err := openIndex(*dataDir)
	if err != nil {
		return err
	}
	defer idx.Close()
	pairs, err := idx.LoadPairs(context.Background())
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PLAYER\tACTIVE\tNORMAL\tALTERNATE\tLAST_SWAP\tRECREATE")
	for _, p := range pairs {
		last := "-"
		if !p.LastSwapTime.IsZero() {
			last = humanize.Time(p.LastSwapTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%t\n", p.Player, p.ActiveSide, p.NormalBody, p.AlternateBody, last, p.AlternateNeedsRecreation)
	}
	return tw.Flush()
}

func transitionsCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("transitions", flag.ContinueOnError)
	dataDir := dataFlag(fs)
	limit := fs.Int("limit", 50, "max rows")
	if err := fs.Parse(args); err != nil {
		return err
	}
	idx, err := openIndex(*dataDir)
	if err != nil {
		return err
	}
	defer idx.Close()
	rows, err := idx.RecentTransitions(context.Background(), *limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPLAYER\tDIRECTION\tOUTCOME\tSTARTED\tTOOK\tDETAIL")
	for _, r := range rows {
		took := "-"
		if !r.FinishedAt.IsZero() {
			took = r.FinishedAt.Sub(r.StartedAt).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Player, r.Direction, r.Outcome, humanize.Time(r.StartedAt), took, r.Detail)
	}
	return tw.Flush()
}
