package cli

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidthor/mdctl/pkg/bootstrap"
)

type fakeBootstrapper struct {
	force   bool
	ensured bool
	checked bool
	result  *bootstrap.Result
}

func (f *fakeBootstrapper) Bootstrap(ctx context.Context, force bool) (*bootstrap.Result, error) {
	f.ensured = true
	f.force = force
	return f.result, nil
}

func (f *fakeBootstrapper) CheckBootstrap(ctx context.Context) (*bootstrap.Result, error) {
	f.checked = true
	return f.result, nil
}

func TestBootstrapCmd_MutuallyExclusiveFlags(t *testing.T) {
	isolateConfig(t)
	cmd := newBootstrapCmd()
	cmd.SetArgs([]string{"--check", "--force-update"})
	cmd.SetOut(&strings.Builder{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestRunBootstrap_Ensure(t *testing.T) {
	b := &fakeBootstrapper{result: &bootstrap.Result{
		Action:    bootstrap.ActionUpdated,
		StackName: bootstrap.StackName,
		Bucket:    "mdctl-123456789012-eu-west-1",
		Version:   bootstrap.Version,
		Status:    "UPDATE_COMPLETE",
	}}

	out := &strings.Builder{}
	require.NoError(t, runBootstrap(context.Background(), out, b, false, true, "table"))

	assert.True(t, b.ensured)
	assert.True(t, b.force)
	assert.Contains(t, out.String(), "Action:  updated")
	assert.Contains(t, out.String(), "Bucket:  mdctl-123456789012-eu-west-1")
}

func TestRunBootstrap_CheckStale(t *testing.T) {
	b := &fakeBootstrapper{result: &bootstrap.Result{
		Action:    bootstrap.ActionUnchanged,
		StackName: bootstrap.StackName,
		Version:   "1",
		Status:    "CREATE_COMPLETE",
	}}

	out := &strings.Builder{}
	require.NoError(t, runBootstrap(context.Background(), out, b, true, false, "table"))

	assert.True(t, b.checked)
	assert.False(t, b.ensured)
	assert.NotContains(t, out.String(), "Action:")
	assert.Contains(t, out.String(), "run 'mdctl bootstrap' to upgrade to "+bootstrap.Version)
}
