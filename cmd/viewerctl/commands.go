package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"os"

	"github.com/Lllllllleong/safeviewer/internal/document"
	"github.com/Lllllllleong/safeviewer/internal/models"
	"github.com/Lllllllleong/safeviewer/internal/services"
	"github.com/spf13/cobra"
)

// errBlocked is returned by assess when the gate refuses the document, so
// scripts can branch on the exit status.
var errBlocked = errors.New("document blocked")

func (c *cli) preflightCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "preflight <file>",
		Short: "Print the document fingerprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			client := c.startPreflight(cmd)
			defer client.Stop()

			fp, err := client.Analyze(cmd.Context(), data, int64(len(data)))
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), fp)
		},
	}
}

func (c *cli) validateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check the document structure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			client := c.startPreflight(cmd)
			defer client.Stop()

			res, err := client.Validate(cmd.Context(), data)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Valid {
				return fmt.Errorf("invalid document: %s", res.Reason)
			}
			return nil
		},
	}
}

func (c *cli) assessCommand() *cobra.Command {
	var profilePath string
	cmd := &cobra.Command{
		Use:   "assess <file>",
		Short: "Run the safety gate against a device profile",
		Long: `Run preflight and risk assessment and print the verdict.

The profile is a YAML file with any of maxSafeMemoryMB, maxSafePages,
maxSafeFileSizeBytes, moderateComplexityMin, moderateComplexityMax and
memoryWarnRatio. Missing keys keep their defaults. Exits non-zero when the
document is blocked.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profile := models.DefaultDeviceProfile()
			if profilePath != "" {
				p, err := services.LoadDeviceProfile(profilePath)
				if err != nil {
					return err
				}
				profile = p
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			client := c.startPreflight(cmd)
			defer client.Stop()

			gate := services.NewGate(client, c.logger, nil)
			gate.OnChange(func(s services.GateSnapshot) {
				c.logger.Debug("Gate changed.", "state", s.State)
			})
			gate.Check(cmd.Context(), services.CheckInput{Data: data, FileSizeBytes: int64(len(data)), Profile: profile})
			snap, err := gate.Wait(cmd.Context())
			if err != nil {
				gate.Cancel()
				return err
			}

			report := services.NewPreflightReport(args[0], "", snap)
			if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			switch snap.State {
			case services.GateAllowed:
				return nil
			case services.GateBlocked:
				return errBlocked
			default:
				return errors.New(report.Error)
			}
		},
	}
	cmd.Flags().StringVarP(&profilePath, "profile", "p", "", "YAML device profile")
	return cmd
}

func (c *cli) renderCommand() *cobra.Command {
	var (
		page     int
		scale    float64
		rotation int
		out      string
	)
	cmd := &cobra.Command{
		Use:   "render <file>",
		Short: "Render one page to PNG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				out = fmt.Sprintf("page-%d.png", page)
			}
			manager, closeAll, err := c.openRenderPool(cmd, args[0])
			if err != nil {
				return err
			}
			defer closeAll()

			id := manager.Submit(page, scale, rotation)
			var res models.RenderResult
			select {
			case res = <-manager.Results():
			case <-cmd.Context().Done():
				manager.Cancel(id)
				res = <-manager.Results()
			}
			switch res.State {
			case models.TaskCompleted:
			case models.TaskCancelled:
				return fmt.Errorf("render of page %d cancelled", page)
			default:
				return fmt.Errorf("render of page %d failed: %s", page, res.ErrorMsg)
			}
			defer res.Page.Release()

			var buf bytes.Buffer
			if err := png.Encode(&buf, res.Page.Image); err != nil {
				return fmt.Errorf("failed to encode PNG: %w", err)
			}
			if err := os.WriteFile(out, buf.Bytes(), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: page %d, %dx%d, %s\n", out, page, res.Width, res.Height, res.Latency)
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "One-based page number")
	cmd.Flags().Float64Var(&scale, "scale", 1, "Render scale, 1 is 72 DPI")
	cmd.Flags().IntVar(&rotation, "rotation", 0, "Clockwise rotation in degrees, a multiple of 90")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (default page-<N>.png)")
	return cmd
}

func (c *cli) textCommand() *cobra.Command {
	var page int
	cmd := &cobra.Command{
		Use:   "text <file>",
		Short: "Print the text of one page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, closeAll, err := c.openRenderPool(cmd, args[0])
			if err != nil {
				return err
			}
			defer closeAll()

			text, err := manager.ExtractText(cmd.Context(), page)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), text.Text)
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "One-based page number")
	return cmd
}

func (c *cli) startPreflight(cmd *cobra.Command) *services.PreflightClient {
	analyzer := services.NewAnalyzer(document.NewPdfcpuParser(), c.logger, nil)
	return services.StartPreflightWorker(cmd.Context(), analyzer, c.logger)
}

// openRenderPool starts a single PDFium render worker and loads path into it.
func (c *cli) openRenderPool(cmd *cobra.Command, path string) (*services.TaskManager, func(), error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	runtime, err := document.NewPdfiumRuntime(1)
	if err != nil {
		return nil, nil, err
	}
	// The pool outlives cmd.Context() so a cancelled render still reports back.
	manager, err := services.NewTaskManager(context.Background(), func() (document.Parser, error) {
		parser, err := runtime.NewParser()
		if err != nil {
			return nil, err
		}
		return parser, nil
	}, services.TaskManagerConfig{Workers: 1}, c.logger, nil)
	if err != nil {
		_ = runtime.Close()
		return nil, nil, err
	}
	closeAll := func() {
		manager.Close()
		_ = runtime.Close()
	}
	if _, err := manager.Open(cmd.Context(), data); err != nil {
		closeAll()
		return nil, nil, err
	}
	return manager, closeAll, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
