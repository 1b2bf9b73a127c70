package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/danmuck/emtrace/internal/capture"
	"github.com/danmuck/emtrace/internal/protocol"
	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
)

func inspectCmd() *cli.Command {
	var (
		snapshotPath string
		asJSON       bool
	)
	return &cli.Command{
		Name:  "inspect",
		Usage: "List the format-info sites recorded in a snapshot",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "snapshot",
				Aliases:     []string{"s"},
				Usage:       "producer snapshot file",
				Destination: &snapshotPath,
				Required:    true,
			},
			&cli.BoolFlag{Name: "json", Usage: "print the snapshot index as JSON", Destination: &asJSON},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			snap, err := capture.LoadSnapshot(snapshotPath)
			if err != nil {
				return err
			}
			if asJSON {
				return writeSnapshotJSON(os.Stdout, snap)
			}
			return writeSnapshotText(os.Stdout, snap)
		},
	}
}

type snapshotView struct {
	Producer  string              `json:"producer,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	Base      uint64              `json:"base"`
	SizeWidth int                 `json:"size_width"`
	PtrWidth  int                 `json:"ptr_width"`
	ByteOrder string              `json:"byte_order"`
	Section   int                 `json:"section_bytes"`
	Digest    string              `json:"digest"`
	Sites     []capture.SiteEntry `json:"sites"`
}

func writeSnapshotJSON(w io.Writer, snap *capture.Snapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(snapshotView{
		Producer:  snap.Producer,
		CreatedAt: time.Unix(snap.CreatedAt, 0).UTC(),
		Base:      snap.Base,
		SizeWidth: snap.SizeWidth,
		PtrWidth:  snap.PtrWidth,
		ByteOrder: snap.ByteOrder,
		Section:   len(snap.Section),
		Digest:    hex.EncodeToString(snap.Digest),
		Sites:     snap.Sites,
	})
}

func writeSnapshotText(w io.Writer, snap *capture.Snapshot) error {
	var b strings.Builder
	fmt.Fprintf(&b, "producer:   %s\n", snap.Producer)
	fmt.Fprintf(&b, "created:    %s\n", time.Unix(snap.CreatedAt, 0).UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "base:       %#x\n", snap.Base)
	fmt.Fprintf(&b, "widths:     size=%d ptr=%d %s\n", snap.SizeWidth, snap.PtrWidth, snap.ByteOrder)
	fmt.Fprintf(&b, "section:    %d bytes, blake3 %s\n", len(snap.Section), hex.EncodeToString(snap.Digest))
	fmt.Fprintf(&b, "sites:      %d\n", len(snap.Sites))
	for _, s := range snap.Sites {
		fmt.Fprintf(&b, "  %#x  %s:%d  %s  %q  [%s]\n",
			s.Ref, s.File, s.Line, protocol.Formatter(s.Formatter), s.Format, strings.Join(s.Args, ", "))
	}
	_, err := io.WriteString(w, b.String())
	return err
}
