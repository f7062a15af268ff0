package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/janpfeifer/must"

	"github.com/tsawler/warninglights/training"
)

func runTrain(ctx context.Context, args []string) error {
	fs := newFlagSet("train")
	configPath := fs.String("config", "", "YAML run configuration; flags below override it.")
	trainDir := fs.String("train-dir", "", "Training split: one sub-directory per class.")
	valDir := fs.String("val-dir", "", "Validation split with the same class directories.")
	outputDir := fs.String("output-dir", "", "Directory for checkpoints, the report and curves.")
	backbone := fs.String("backbone", "", "Backbone preset.")
	epochs := fs.Int("epochs", 0, "Maximum number of epochs.")
	batchSize := fs.Int("batch-size", 0, "Mini-batch size.")
	lr := fs.Float64("lr", 0, "Initial learning rate.")
	imageSize := fs.Int("image-size", 0, "Square input edge in pixels.")
	patience := fs.Int("patience", -1, "Early-stopping patience in epochs; 0 disables.")
	seed := fs.Int64("seed", 0, "Random seed.")
	resume := fs.String("resume", "", "Checkpoint to resume from.")
	pretrained := fs.String("pretrained", "", "Checkpoint whose backbone weights initialize the model.")
	freeze := fs.Bool("freeze-backbone", false, "Train only the head; backbone weights stay fixed.")
	quiet := fs.Bool("quiet", false, "Disable progress bars.")
	must.M(fs.Parse(args))

	cfg := training.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = training.LoadConfig(*configPath); err != nil {
			return err
		}
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "train-dir":
			cfg.TrainDir = *trainDir
		case "val-dir":
			cfg.ValDir = *valDir
		case "output-dir":
			cfg.OutputDir = *outputDir
		case "backbone":
			cfg.Backbone = *backbone
		case "epochs":
			cfg.MaxEpochs = *epochs
		case "batch-size":
			cfg.BatchSize = *batchSize
		case "lr":
			cfg.LearningRate = *lr
		case "image-size":
			cfg.ImageSize = *imageSize
		case "patience":
			cfg.EarlyStoppingPatience = *patience
		case "seed":
			cfg.RandomSeed = *seed
		case "resume":
			cfg.ResumeFrom = *resume
		case "pretrained":
			cfg.UsePretrainedBackbone = true
			cfg.PretrainedBackbonePath = *pretrained
		case "freeze-backbone":
			cfg.FreezeBackbone = *freeze
		case "quiet":
			cfg.Quiet = *quiet
		}
	})

	trainer, err := training.NewTrainer(cfg)
	if err != nil {
		return err
	}
	res, err := trainer.Run(ctx)
	if res != nil {
		printTrainResult(trainer, res)
	}
	return err
}

func printTrainResult(trainer *training.Trainer, res *training.Result) {
	t := newTable(lipgloss.Right, lipgloss.Right).
		Headers("epoch", "train loss", "train acc", "val loss", "val acc", "lr")
	for _, m := range res.History {
		epoch := strconv.Itoa(m.Epoch)
		if m.Epoch == res.BestEpoch {
			epoch += " *"
		}
		t.Row(epoch,
			fmt.Sprintf("%.4f", m.TrainLoss), fmt.Sprintf("%.2f%%", m.TrainAcc),
			fmt.Sprintf("%.4f", m.ValLoss), fmt.Sprintf("%.2f%%", m.ValAcc),
			fmt.Sprintf("%.2g", m.LearningRate))
	}
	fmt.Fprintln(os.Stdout, titleStyle.Render("Run "+res.RunID))
	fmt.Fprintln(os.Stdout, t.Render())

	summary := newTable(lipgloss.Right, lipgloss.Left).Headers("", "")
	summary.Row("model", fmt.Sprintf("%s (%s)", trainer.Model().Config(), trainer.Model().NumParameters()))
	summary.Row("epochs run", strconv.Itoa(res.EpochsRun))
	summary.Row("stopped early", strconv.FormatBool(res.StoppedEarly))
	summary.Row("best", fmt.Sprintf("epoch %d, %.2f%% validation accuracy", res.BestEpoch, res.BestValAcc))
	summary.Row("checkpoint", res.BestCheckpoint)
	summary.Row("duration", res.Duration.Round(1e9).String())
	fmt.Fprintln(os.Stdout, summary.Render())
	if res.Confusion != nil {
		fmt.Fprintln(os.Stdout, titleStyle.Render("Validation recall (best epoch)"))
		fmt.Fprintln(os.Stdout, res.Confusion.Format(trainer.Labels().Names()))
	}
}
