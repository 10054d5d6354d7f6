package actions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/crmflow/pkg/schema"
)

func TestAddTag_LinksAndEmits(t *testing.T) {
	env := newCRM(t)
	h := NewAddTagHandler(env.store)
	assert.Equal(t, schema.StepAddTag, h.Type())

	res, err := h.Execute(context.Background(), stepInput(t, schema.StepAddTag, schema.TagConfig{TagID: "tag-vip"}))
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	c, err := env.store.GetContact(context.Background(), "contact-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"tag-vip"}, c.Tags)

	require.NotNil(t, res.NewEvent)
	assert.Equal(t, schema.TriggerTagAdded, res.NewEvent.Type)
	assert.Equal(t, "tag-vip", res.NewEvent.Data.TagID)
	assert.Equal(t, "pipe-1", res.NewEvent.PipelineID)
	assert.Equal(t, []string{schema.ActivityTagAdded}, activityTypes(t, env.store, "contact-1"))
}

func TestAddTag_Idempotent(t *testing.T) {
	env := newCRM(t)
	h := NewAddTagHandler(env.store)
	in := stepInput(t, schema.StepAddTag, schema.TagConfig{TagID: "tag-vip"})

	for i := 0; i < 2; i++ {
		res, err := h.Execute(context.Background(), in)
		require.NoError(t, err)
		require.True(t, res.Success)
	}

	c, err := env.store.GetContact(context.Background(), "contact-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"tag-vip"}, c.Tags)
}

func TestRemoveTag_UnlinksAndEmits(t *testing.T) {
	env := newCRM(t)
	require.NoError(t, env.store.AddContactTag(context.Background(), "contact-1", "tag-vip"))

	h := NewRemoveTagHandler(env.store)
	assert.Equal(t, schema.StepRemoveTag, h.Type())

	res, err := h.Execute(context.Background(), stepInput(t, schema.StepRemoveTag, schema.TagConfig{TagID: "tag-vip"}))
	require.NoError(t, err)
	require.True(t, res.Success)

	c, err := env.store.GetContact(context.Background(), "contact-1")
	require.NoError(t, err)
	assert.Empty(t, c.Tags)

	require.NotNil(t, res.NewEvent)
	assert.Equal(t, schema.TriggerTagRemoved, res.NewEvent.Type)
	assert.Equal(t, []string{schema.ActivityTagRemoved}, activityTypes(t, env.store, "contact-1"))
}

func TestRemoveTag_AbsentTagStillSucceeds(t *testing.T) {
	env := newCRM(t)
	h := NewRemoveTagHandler(env.store)

	res, err := h.Execute(context.Background(), stepInput(t, schema.StepRemoveTag, schema.TagConfig{TagID: "tag-vip"}))
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestTag_Failures(t *testing.T) {
	env := newCRM(t)

	res, err := NewAddTagHandler(env.store).Execute(context.Background(), stepInput(t, schema.StepAddTag, schema.TagConfig{}))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "add_tag: missing tag_id in step config", res.Error)

	in := stepInput(t, schema.StepRemoveTag, schema.TagConfig{TagID: "tag-vip"})
	in.ContactID = "ghost"
	res, err = NewRemoveTagHandler(env.store).Execute(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "contact ghost not found", res.Error)
}
