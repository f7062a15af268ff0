// wlctl trains, runs and exports the dashboard warning-light classifier.
//
//	wlctl train   -config run.yaml [-train-dir d] [-val-dir d] [-output-dir d] ...
//	wlctl predict -checkpoint c -image a.jpg [-image b.jpg ...] [-classes classes.json] [-top-k 3]
//	wlctl export  -checkpoint c -output model.onnx [-num-classes n] [-opset 12] [-ort-lib path]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"k8s.io/klog/v2"
)

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string) error
}

var commands = []command{
	{"train", "train a classifier on an image-folder dataset", runTrain},
	{"predict", "classify images with a trained checkpoint", runPredict},
	{"export", "export a checkpoint to ONNX and verify it", runExport},
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: wlctl <command> [flags]\n\ncommands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-8s %s\n", c.name, c.summary)
	}
	fmt.Fprintf(os.Stderr, "\nRun 'wlctl <command> -help' for the flags of a command.\n")
}

// newFlagSet returns a flag set for a subcommand that also carries klog's flags.
func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("wlctl "+name, flag.ExitOnError)
	klog.InitFlags(fs)
	return fs
}

// stringList collects a repeatable string flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	name := os.Args[1]
	if name == "-h" || name == "-help" || name == "help" {
		usage()
		return
	}
	for _, c := range commands {
		if c.name != name {
			continue
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		err := c.run(ctx, os.Args[2:])
		stop()
		if err != nil {
			klog.Errorf("%s: %v", name, err)
			klog.V(2).Infof("%+v", err)
			klog.Flush()
			os.Exit(1)
		}
		klog.Flush()
		return
	}
	fmt.Fprintf(os.Stderr, "wlctl: unknown command %q\n\n", name)
	usage()
	os.Exit(2)
}
