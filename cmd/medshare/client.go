package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3FT-io/medshare/pkg/cache"
	"github.com/3FT-io/medshare/pkg/cnn"
	"github.com/3FT-io/medshare/pkg/config"
	"github.com/3FT-io/medshare/pkg/core"
	"github.com/3FT-io/medshare/pkg/pipeline"
	"github.com/3FT-io/medshare/pkg/remote"
	"github.com/3FT-io/medshare/pkg/retry"
)

// session bundles what every client command needs.
type session struct {
	cfg     *config.Config
	logger  *zap.Logger
	service *pipeline.Service
}

func openSession(cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}

	client, err := remote.Connect(cmd.Context(), cfg.NodeURL, cfg.ApplicationID, cfg.BootstrapTimeout)
	if err != nil {
		return nil, err
	}
	logger.Debug("Session opened", zap.String("node", cfg.NodeURL), zap.String("context_id", client.ContextID()))

	service := pipeline.NewService(client, pipeline.Options{
		Cache:          cache.New(cfg.CacheStaleTime, cfg.CacheGCTime),
		Policy:         retry.NewPolicy(logger.Named("retry")),
		Logger:         logger.Named("pipeline"),
		MaxUploadBytes: cfg.MaxUploadBytes,
		OutputDir:      cfg.OutputDir,
	})
	return &session{cfg: cfg, logger: logger, service: service}, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newContextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create-context",
		Short: "Ask the node to host a new context for the application id",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			info, err := remote.CreateContext(cmd.Context(), cfg.NodeURL, cfg.ApplicationID)
			if err != nil {
				return err
			}
			fmt.Printf("Context %s created for %s\n", info.ContextID, info.ApplicationID)
			return nil
		},
	}
	return cmd
}

func newModelsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List public models, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			models, err := s.service.ListModels(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(models)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tVERSION\tTYPE\tSIZE\tUPLOADER\tCREATED")
			for _, m := range models {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					m.ID, m.Name, m.Version, m.ModelType, pipeline.FormatFileSize(m.FileSize),
					m.Uploader, m.CreatedAt.Time().Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newScansCmd() *cobra.Command {
	var asJSON bool
	var patientID string
	cmd := &cobra.Command{
		Use:   "scans",
		Short: "List scans, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			scans, err := s.service.ListScans(cmd.Context())
			if err != nil {
				return err
			}
			if patientID != "" {
				filtered := scans[:0]
				for _, sc := range scans {
					if sc.PatientID == patientID {
						filtered = append(filtered, sc)
					}
				}
				scans = filtered
			}
			if asJSON {
				return printJSON(scans)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPATIENT\tTYPE\tBODY PART\tSIZE\tANNOTATIONS\tCREATED")
			for _, sc := range scans {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					sc.ID, sc.PatientID, sc.ScanType, sc.BodyPart, pipeline.FormatFileSize(sc.FileSize),
					sc.AnnotationCount, sc.CreatedAt.Time().Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	cmd.Flags().StringVar(&patientID, "patient", "", "Only show scans for this patient id")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show context totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			stats, err := s.service.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(stats.String())
			return nil
		},
	}
}

func newUploadModelCmd() *cobra.Command {
	var form pipeline.ModelForm
	var private bool
	cmd := &cobra.Command{
		Use:   "upload-model FILE",
		Short: "Upload an ML model file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			form.FilePath = args[0]
			form.IsPublic = !private
			form.OnState = func(st pipeline.UploadState) {
				s.logger.Debug("Upload state", zap.Stringer("state", st))
			}
			id, err := s.service.UploadModel(cmd.Context(), form)
			if err != nil {
				return err
			}
			fmt.Printf("Model uploaded: %s\n", id)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&form.Name, "name", "", "Model name")
	f.StringVar(&form.Description, "description", "", "Model description")
	f.StringVar(&form.ModelType, "type", "", "Model type ("+strings.Join(core.ModelTypes, ", ")+")")
	f.StringVar(&form.Version, "version", "", "Model version")
	f.StringVar(&form.Uploader, "uploader", "", "Uploader name")
	f.BoolVar(&private, "private", false, "Do not list the model publicly")
	return cmd
}

func newUploadScanCmd() *cobra.Command {
	var batch pipeline.ScanBatch
	var scanType, bodyPart string
	cmd := &cobra.Command{
		Use:   "upload-scan FILE...",
		Short: "Upload one or more scans for a patient",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			for _, path := range args {
				batch.Items = append(batch.Items, pipeline.ScanItem{
					FilePath: path,
					ScanType: scanType,
					BodyPart: bodyPart,
				})
			}
			results, err := s.service.UploadScans(cmd.Context(), batch)
			for _, r := range results {
				if r.Err != nil {
					fmt.Printf("%s: failed\n", r.Item.FilePath)
					continue
				}
				if r.ID != "" {
					fmt.Printf("%s: %s\n", r.Item.FilePath, r.ID)
				}
			}
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&batch.PatientID, "patient", "", "Patient id")
	f.StringVar(&batch.Uploader, "uploader", "", "Uploader name")
	f.StringVar(&scanType, "type", "", "Scan type ("+strings.Join(core.ScanTypes, ", ")+")")
	f.StringVar(&bodyPart, "body-part", "", "Body part ("+strings.Join(core.BodyParts, ", ")+")")
	return cmd
}

func newDownloadModelCmd() *cobra.Command {
	var downloader string
	cmd := &cobra.Command{
		Use:   "download-model ID",
		Short: "Download a model into the output directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			saved, err := s.service.DownloadModel(cmd.Context(), args[0], downloader)
			if err != nil {
				return err
			}
			fmt.Printf("Saved %s (%s, %s)\n", saved.Path, pipeline.FormatFileSize(saved.Size), saved.MimeType)
			return nil
		},
	}
	cmd.Flags().StringVar(&downloader, "as", "cli", "Identity recorded by the node for this download")
	return cmd
}

func newDownloadScanCmd() *cobra.Command {
	var downloader string
	cmd := &cobra.Command{
		Use:   "download-scan ID",
		Short: "Download a scan into the output directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			saved, err := s.service.DownloadScan(cmd.Context(), args[0], downloader)
			if err != nil {
				return err
			}
			fmt.Printf("Saved %s (%s, %s)\n", saved.Path, pipeline.FormatFileSize(saved.Size), saved.MimeType)
			return nil
		},
	}
	cmd.Flags().StringVar(&downloader, "as", "cli", "Identity recorded by the node for this download")
	return cmd
}

func newAnnotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "annotate SCAN_ID LABEL",
		Short: "Attach a label to a scan",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			id, err := s.service.Annotate(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("Annotation added: %s\n", id)
			return nil
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete model|scan ID",
		Short: "Delete a model or scan",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			if err := s.service.DeleteFile(cmd.Context(), args[1], args[0]); err != nil {
				return err
			}
			fmt.Println("File deleted successfully")
			return nil
		},
	}
}

func newCNNClient() (*cnn.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}
	return cnn.NewClient(cfg.CNNAPIURL, cnn.Options{
		PredictTimeout: cfg.PredictTimeout,
		RetrainTimeout: cfg.RetrainTimeout,
		Logger:         logger.Named("cnn"),
	}), nil
}

func newPredictCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "predict IMAGE",
		Short: "Classify an image with the CNN service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newCNNClient()
			if err != nil {
				return err
			}
			res, err := client.Predict(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(res)
			}
			fmt.Printf("Predicted: %s\n", res.PredictedLabel)
			labels := make([]string, 0, len(res.Probabilities))
			for label := range res.Probabilities {
				labels = append(labels, label)
			}
			sort.Slice(labels, func(i, j int) bool {
				return res.Probabilities[labels[i]] > res.Probabilities[labels[j]]
			})
			for _, label := range labels {
				fmt.Printf("  %-20s %6.2f%%\n", label, res.Probabilities[label]*100)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full JSON response")
	return cmd
}

func newRetrainCmd() *cobra.Command {
	var params cnn.RetrainParams
	var zipPath string
	cmd := &cobra.Command{
		Use:   "retrain",
		Short: "Retrain the CNN model",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newCNNClient()
			if err != nil {
				return err
			}
			var res *cnn.RetrainResponse
			if zipPath != "" {
				res, err = client.RetrainZip(cmd.Context(), zipPath)
			} else {
				res, err = client.Retrain(cmd.Context(), &params)
			}
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	f := cmd.Flags()
	f.StringVar(&zipPath, "zip", "", "Train on a zipped dataset instead of the server-side data dir")
	f.StringVar(&params.DataDir, "data-dir", "", "Dataset directory on the CNN host")
	f.IntVar(&params.Epochs, "epochs", 0, "Training epochs")
	f.IntVar(&params.BatchSize, "batch-size", 0, "Batch size")
	f.Float64Var(&params.LearningRate, "learning-rate", 0, "Learning rate")
	f.StringVar(&params.BaseModelName, "base-model", "", "MobileNetV2 or EfficientNetB0")
	f.StringVar(&params.OutputModelPath, "output", "", "Where the CNN host writes the trained model")
	return cmd
}

func newCNNHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cnn-health",
		Short: "Check that the CNN service is up",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newCNNClient()
			if err != nil {
				return err
			}
			res, err := client.Health(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", res.Status, res.Message)
			return nil
		},
	}
}
