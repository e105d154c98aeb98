package controller

import (
	"context"

	"github.com/gammadia/farmhand/provider"
)

// updateRemoteTags applies tags to instances. Instances that no longer exist are skipped
// silently, other failures are logged once per instance.
func (c *Controller) updateRemoteTags(ctx context.Context, ids []string, tags map[string]string) {
	failed := c.mutate(ctx, "create-tags", provider.TagErrors, ids, func(ctx context.Context, ids []string) error {
		return c.gateway.TagResources(ctx, ids, tags)
	})
	for _, id := range ids {
		if err, ok := failed[id]; ok {
			c.log.Warn("Failed to update instance tags", "instance-id", id, "error", err.Error())
		}
	}
}

// mutate runs a provider call on a batch of instances and returns the failures by instance id.
// The provider rejects a whole batch when one of its ids is unknown, so a batch failing with an
// ignorable error is replayed one instance at a time to reach the others.
func (c *Controller) mutate(ctx context.Context, op string, classifier provider.Classifier, ids []string, call func(context.Context, []string) error) map[string]error {
	failed := map[string]error{}
	if len(ids) == 0 {
		return failed
	}

	batch := classifier
	if len(ids) > 1 {
		batch = classifier.Strict()
	}
	err := c.retrier.Execute(ctx, op, batch, func(ctx context.Context) error {
		return call(ctx, ids)
	})
	if err == nil {
		return failed
	}
	if len(ids) == 1 || classifier.Classify(err) != provider.Ignorable {
		for _, id := range ids {
			failed[id] = err
		}
		return failed
	}

	c.log.Debug("Batch rejected, retrying instances one at a time", "op", op, "instances", len(ids), "code", provider.ErrorCode(err))
	for _, id := range ids {
		err := c.retrier.Execute(ctx, op, classifier, func(ctx context.Context) error {
			return call(ctx, []string{id})
		})
		if err != nil {
			failed[id] = err
		}
	}
	return failed
}
