package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/codepipeline"
	cptypes "github.com/aws/aws-sdk-go-v2/service/codepipeline/types"
	"golang.org/x/sync/errgroup"

	"github.com/davidthor/mdctl/pkg/awsclient"
	"github.com/davidthor/mdctl/pkg/descriptor"
)

// pageSize is the largest page ListPipelineExecutions accepts.
const pageSize = 100

// ListExecutions returns the executions whose status is in statuses (all
// when empty), newest first, with decoded variables and located stage.
// Executions that rotate out of history between listing and fetching are
// skipped.
func (d *Driver) ListExecutions(ctx context.Context, statuses []Status) ([]Execution, error) {
	summaries, err := d.listSummaries(ctx)
	if err != nil {
		return nil, err
	}

	want := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var matched []cptypes.PipelineExecutionSummary
	for _, s := range summaries {
		if len(want) == 0 || want[Status(s.Status)] {
			matched = append(matched, s)
		}
	}

	locator := d.locator.WithSummaries(summaries)

	var (
		mu  sync.Mutex
		out = make([]Execution, 0, len(matched))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.FetchConcurrency)
	for _, s := range matched {
		g.Go(func() error {
			e, ok, err := d.fetchExecution(gctx, locator, s)
			if err != nil || !ok {
				return err
			}
			mu.Lock()
			out = append(out, e)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out, nil
}

func (d *Driver) listSummaries(ctx context.Context) ([]cptypes.PipelineExecutionSummary, error) {
	in := &codepipeline.ListPipelineExecutionsInput{
		PipelineName: aws.String(d.config.PipelineName),
		MaxResults:   aws.Int32(pageSize),
	}
	var out []cptypes.PipelineExecutionSummary
	for {
		resp, err := d.cp.ListPipelineExecutions(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("failed to list executions of %s: %w", d.config.PipelineName, err)
		}
		out = append(out, resp.PipelineExecutionSummaries...)
		if len(out) >= d.config.MaxHistory {
			return out[:d.config.MaxHistory], nil
		}
		if resp.NextToken == nil || *resp.NextToken == "" {
			return out, nil
		}
		in.NextToken = resp.NextToken
	}
}

func (d *Driver) fetchExecution(ctx context.Context, locator *Locator, s cptypes.PipelineExecutionSummary) (Execution, bool, error) {
	id := aws.ToString(s.PipelineExecutionId)
	resp, err := d.cp.GetPipelineExecution(ctx, &codepipeline.GetPipelineExecutionInput{
		PipelineName:        aws.String(d.config.PipelineName),
		PipelineExecutionId: aws.String(id),
	})
	if err != nil {
		if awsclient.IsNotFound(err) {
			return Execution{}, false, nil
		}
		return Execution{}, false, fmt.Errorf("failed to get execution %s: %w", id, err)
	}

	vars := make(map[string]string)
	if resp.PipelineExecution != nil {
		for _, v := range resp.PipelineExecution.Variables {
			vars[aws.ToString(v.Name)] = aws.ToString(v.ResolvedValue)
		}
	}
	summary := descriptor.SummaryFromVariables(vars)
	if summary.Key.ModelID == "" {
		// Executions not started by mdctl carry no deployment variables.
		return Execution{}, false, nil
	}

	return Execution{
		ID:             id,
		Status:         Status(s.Status),
		Stage:          locator.Locate(ctx, d.config.PipelineName, id),
		StartTime:      aws.ToTime(s.StartTime),
		LastUpdateTime: aws.ToTime(s.LastUpdateTime),
		Summary:        summary,
	}, true, nil
}
