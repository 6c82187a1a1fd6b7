package bytering

import (
	"context"
	"sync"

	"github.com/FerroO2000/bytering/internal"
	"github.com/FerroO2000/bytering/internal/affinity"
)

// Stage defines the interface for a generic stage.
type Stage interface {
	// Init initializes the stage.
	Init(ctx context.Context) error
	// Run runs the stage.
	Run(ctx context.Context)
	// Close closes (forever) the stage.
	Close()
}

type pipelineStage struct {
	stage Stage

	// cpu is the CPU the stage is pinned to, -1 when not pinned.
	cpu int
}

// Pipeline represents a chain of stages connected by pipes.
// It is the entrypoint for the stages.
type Pipeline struct {
	tel *internal.Telemetry

	stages []pipelineStage

	wg        *sync.WaitGroup
	isRunning bool
}

// NewPipeline returns a new pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{
		tel: internal.NewTelemetry("pipeline", "pipeline"),

		stages: []pipelineStage{},

		wg:        &sync.WaitGroup{},
		isRunning: false,
	}
}

// AddStage adds a stage to the pipeline.
// The order of the stages is important.
func (p *Pipeline) AddStage(stage Stage) {
	p.addStage(stage, -1)
}

// AddPinnedStage adds a stage that runs on a locked OS thread bound to the given CPU.
// When the thread cannot be pinned, the stage runs unpinned.
func (p *Pipeline) AddPinnedStage(stage Stage, cpu int) {
	p.addStage(stage, cpu)
}

func (p *Pipeline) addStage(stage Stage, cpu int) {
	if p.isRunning {
		return
	}

	p.stages = append(p.stages, pipelineStage{stage: stage, cpu: cpu})
}

// Init initializes all the stages.
func (p *Pipeline) Init(ctx context.Context) error {
	for _, ps := range p.stages {
		if err := ps.stage.Init(ctx); err != nil {
			return err
		}
	}

	return nil
}

// Run runs all the stages.
// It will spawn a goroutine for each stage.
func (p *Pipeline) Run(ctx context.Context) {
	p.isRunning = true

	p.wg.Add(len(p.stages))

	for _, ps := range p.stages {
		go func() {
			defer p.wg.Done()

			if ps.cpu >= 0 {
				unpin, err := affinity.Pin(ps.cpu)
				if err != nil {
					p.tel.LogWarn("running stage unpinned", "cpu", ps.cpu, "reason", err.Error())
				} else {
					defer unpin()
				}
			}

			ps.stage.Run(ctx)
		}()
	}
}

// Wait blocks until every stage returns from Run.
// Ingress stages return at the end of their source, egress stages
// once their input pipe is drained, so a finite stream ends the wait.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Close closes all the stages.
// It blocks until all the stages are closed.
func (p *Pipeline) Close() {
	for _, ps := range p.stages {
		ps.stage.Close()
	}

	p.wg.Wait()
}
