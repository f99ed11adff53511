// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// ddpspoof trains and evaluates an audio deepfake (spoofing) detector with distributed data parallelism.
//
// By default, all ranks run in this process, one per device listed in -usable_gpu (or CUDA_VISIBLE_DEVICES).
// With the "ws" backend, each rank can run in its own process (or host) by passing -rank: in this case the
// rendezvous port must be given explicitly (-set="distributed.port=...").
//
// Example:
//
//	ddpspoof -synthetic -usable_gpu=0,1 -set="epoch=5;batch_size=16"
//	ddpspoof -config=run.yaml -test -set="path_scripts=~/ddpspoof_runs/ddpspoof"
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/gomlx/ddpspoof/pkg/config"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagConfig = flag.String("config", "", "YAML configuration file. "+
		"Values are overridden by "+config.EnvPrefix+"* environment variables and by -set.")
	flagTest      = flag.Bool("test", false, "Evaluate a trained model (see path_scripts) instead of training.")
	flagSynthetic = flag.Bool("synthetic", false, "Use generated splits instead of the protocol files.")
	flagUsableGPU = flag.String("usable_gpu", "", "Comma-separated list of device ids, one rank per device. "+
		"If empty, CUDA_VISIBLE_DEVICES is used.")
	flagRank = flag.Int("rank", -1, "Rank of this process in the group. "+
		"If -1, all ranks are spawned in this process.")
	flagPrintConfig = flag.Bool("print_config", false, "Print the final configuration as YAML and exit.")
	flagProgressBar = flag.Bool("progressbar", true, "Display a progress bar while training.")
)

func main() {
	klog.InitFlags(nil)
	settings := config.CreateSettingsFlag("")
	flag.Parse()

	cfg, paramsSet := must.M2(config.Load(*flagConfig, *settings))
	if *flagTest {
		cfg.Test = true
	}
	if *flagSynthetic {
		cfg.Synthetic.Enabled = true
	}
	if *flagUsableGPU != "" {
		cfg.Dist.UsableGPU = *flagUsableGPU
	}
	if *flagPrintConfig {
		must.M(cfg.Write(os.Stdout))
		return
	}
	if len(paramsSet) > 0 {
		klog.Infof("configuration set by -set:\n%s", config.SprintModifiedSettings(cfg, paramsSet))
	}
	klog.V(2).Infof("configuration:\n%s", config.SprintSettings(cfg))

	resolved, err := cfg.Resolve(time.Now())
	if err != nil {
		klog.Exitf("invalid configuration: %+v", err)
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	opts := runOptions{rank: *flagRank, progressBar: *flagProgressBar}
	if err = run(ctx, cfg, resolved, opts); err != nil {
		klog.Exitf("run failed: %+v", err)
	}
}
