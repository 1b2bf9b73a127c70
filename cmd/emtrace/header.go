package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/danmuck/emtrace/internal/capture"
	"github.com/danmuck/emtrace/internal/logging"
	"github.com/danmuck/emtrace/internal/protocol"
	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
)

func headerCmd() *cli.Command {
	var (
		input  string
		asJSON bool
	)
	return &cli.Command{
		Name:  "header",
		Usage: "Print the calibration carried by a stream's magic header",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "input",
				Aliases:     []string{"i"},
				Usage:       "input: -, path, file://, tcp://host:port or unix://path",
				Value:       "-",
				Destination: &input,
			},
			&cli.BoolFlag{Name: "json", Usage: "print the calibration as JSON", Destination: &asJSON},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			src, err := capture.ParseSource(input)
			if err != nil {
				return err
			}
			in, err := capture.Open(ctx, src, capture.DefaultDialConfig(), logging.Component("header"))
			if err != nil {
				return err
			}
			defer in.Close()

			cal, err := protocol.DecodeHeader(in)
			if err != nil {
				return err
			}
			return writeCalibration(os.Stdout, cal, asJSON)
		},
	}
}

type calibrationView struct {
	SizeWidth      int    `json:"size_width"`
	PtrWidth       int    `json:"ptr_width"`
	ByteOrder      string `json:"byte_order"`
	InfoOffset     int    `json:"info_offset"`
	HeaderLen      int    `json:"header_len"`
	NullTerminated uint64 `json:"null_terminated"`
	LengthPrefixed uint64 `json:"length_prefixed"`
}

func writeCalibration(w io.Writer, cal protocol.Calibration, asJSON bool) error {
	view := calibrationView{
		SizeWidth:      cal.Size,
		PtrWidth:       cal.Ptr,
		ByteOrder:      cal.OrderName(),
		InfoOffset:     cal.InfoOffset(),
		HeaderLen:      cal.HeaderLen(),
		NullTerminated: cal.NullTerminated,
		LengthPrefixed: cal.LengthPrefixed,
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}
	_, err := fmt.Fprintf(w,
		"size_width:      %d\nptr_width:       %d\nbyte_order:      %s\ninfo_offset:     %d\nheader_len:      %d\nnull_terminated: %#x\nlength_prefixed: %#x\n",
		view.SizeWidth, view.PtrWidth, view.ByteOrder, view.InfoOffset, view.HeaderLen, view.NullTerminated, view.LengthPrefixed)
	return err
}
