package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xtm888/medflow-ocr/internal/config"
	"github.com/xtm888/medflow-ocr/internal/core/domain"
	"github.com/xtm888/medflow-ocr/internal/core/ports"
)

type services struct {
	scanner   ports.FolderScanner
	processor ports.DocumentProcessor
}

// newRootCmd builds the cli. Services are created lazily so --help never
// touches the OCR engine.
func newRootCmd(cfg config.Config, load func() (services, error)) *cobra.Command {
	root := &cobra.Command{
		Use:           "ocrctl",
		Short:         "Scan device folders and run OCR locally",
		Version:       cfg.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newSharesCmd(load),
		newScanCmd(cfg, load),
		newPreviewCmd(cfg, load),
		newProcessCmd(load),
	)
	return root
}

func newSharesCmd(load func() (services, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "shares",
		Short: "List device network shares and their availability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := load()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tPATH\tAVAILABLE")
			for _, share := range svc.scanner.CheckShares(cmd.Context()) {
				fmt.Fprintf(tw, "%s\t%s\t%t\n", share.Name, share.Path, share.Available)
			}
			return tw.Flush()
		},
	}
}

func newScanCmd(cfg config.Config, load func() (services, error)) *cobra.Command {
	var (
		maxFiles   int
		recursive  bool
		extensions []string
	)
	cmd := &cobra.Command{
		Use:     "scan [folder]",
		Short:   "Count supported files in a folder",
		Example: "  ocrctl scan /mnt/zeiss/export --max-files 50",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := load()
			if err != nil {
				return err
			}
			result, err := svc.scanner.ScanFolder(cmd.Context(), args[0], domain.ScanOptions{
				MaxFiles:   maxFiles,
				Extensions: extensions,
				Recursive:  recursive,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().IntVar(&maxFiles, "max-files", cfg.BatchMaxFiles, "Maximum number of files to list")
	cmd.Flags().BoolVar(&recursive, "recursive", true, "Descend into subfolders")
	cmd.Flags().StringSliceVar(&extensions, "ext", nil, "Extensions to include (default: all supported)")
	return cmd
}

func newPreviewCmd(cfg config.Config, load func() (services, error)) *cobra.Command {
	var (
		device      string
		maxPatients int
	)
	cmd := &cobra.Command{
		Use:   "preview [folder]",
		Short: "Group a device folder by patient without running OCR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := load()
			if err != nil {
				return err
			}
			preview, err := svc.scanner.PreviewPatients(cmd.Context(), args[0], domain.ParseDeviceType(device), maxPatients)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), preview)
		},
	}
	cmd.Flags().StringVarP(&device, "device", "d", string(domain.DeviceGeneric), "Device type: zeiss, solix, tomey, quantel, generic")
	cmd.Flags().IntVar(&maxPatients, "max-patients", cfg.BatchMaxPatients, "Maximum number of patients")
	return cmd
}

func newProcessCmd(load func() (services, error)) *cobra.Command {
	var (
		device      string
		noThumbnail bool
	)
	cmd := &cobra.Command{
		Use:   "process [file]",
		Short: "Run OCR and patient matching on one file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := load()
			if err != nil {
				return err
			}
			extract := !noThumbnail
			req := domain.FileRequest{FilePath: args[0], DeviceType: domain.DeviceType(device), ExtractThumbnail: &extract}
			if err := req.Normalize(); err != nil {
				return err
			}
			result := svc.processor.Process(cmd.Context(), req)
			if err := printJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if result.Failed() {
				return fmt.Errorf("processing %s: %s", result.FilePath, result.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&device, "device", "d", string(domain.DeviceGeneric), "Device type used for filename parsing")
	cmd.Flags().BoolVar(&noThumbnail, "no-thumbnail", false, "Skip thumbnail generation")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
