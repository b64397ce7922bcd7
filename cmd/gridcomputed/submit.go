package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gridcompute/gridcompute/internal/caseregistry"
	"github.com/gridcompute/gridcompute/internal/gridlog"
	"github.com/gridcompute/gridcompute/internal/lifecycle"
	"github.com/gridcompute/gridcompute/internal/workerpool"
)

var submitApplication string

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().StringVar(&submitApplication, "application", "", "application id to submit against (required)")
}

var submitCmd = &cobra.Command{
	Use:   "submit [files...]",
	Short: "submit a case from this machine without starting the daemon",
	Long: `submit invokes the named application's send step on the given files,
zips each returned input bundle, uploads it to the case archive, and inserts
one case record per bundle, then exits. It does not start the poll & claim
loop or any other daemon duty.`,
	Args: cobra.MinimumNArgs(1),
	Run:  runSubmit,
}

func runSubmit(cmd *cobra.Command, args []string) {
	if submitApplication == "" {
		log.Fatal("--application is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		gridlog.Base.Fatalf("loading configuration: %v", err)
	}
	gridlog.Configure(cfg.LogLevel, cfg.LogFormat == "json")

	ctx := context.Background()
	registry, err := caseregistry.Open(ctx, cfg.Settings.DatabaseServer, casesCollection, versionsCollection, machinesCollection)
	if err != nil {
		log.WithErr(err).Fatal("opening case registry")
	}
	defer registry.Close()

	index, err := buildCapabilityIndex(cfg)
	if err != nil {
		log.WithErr(err).Fatal("loading capability index")
	}

	archive, err := buildArchive(ctx, cfg)
	if err != nil {
		log.WithErr(err).Fatal("building case archive")
	}

	lifecycleCfg := lifecycle.Config{
		Self:              caseregistry.Identity{Machine: cfg.Settings.Machine, User: cfg.Settings.User},
		UserGroup:         cfg.Settings.UserGroup,
		Instance:          cfg.Settings.Instance,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		ReclaimGrace:      cfg.ReclaimGrace(),
		ScratchRoot:       scratchRoot(cfg),
	}
	engine, err := lifecycle.New(lifecycleCfg, registry, archive, index, noopPool{})
	if err != nil {
		log.WithErr(err).Fatal("constructing lifecycle engine")
	}

	ids, err := engine.Submit(ctx, submitApplication, args)
	if err != nil {
		log.WithErr(err).Fatal("submission failed")
	}
	cmd.Println(strings.Join(ids, "\n"))
}

// noopPool satisfies lifecycle.WorkerPool for the submit command, which
// never polls or claims and so never hands it a job.
type noopPool struct{}

func (noopPool) Submit(workerpool.JobDescriptor) bool { return false }
func (noopPool) Results() <-chan workerpool.Result    { return nil }
func (noopPool) FreeCapacity() int                    { return 0 }
func (noopPool) Cancel(string)                        {}
