package pipeline

import (
	"context"

	"github.com/nuetzliches/claimq/internal/storage"
)

type queuePipeline struct{ c chain }

func (p queuePipeline) List(ctx context.Context, project string, opts storage.QueueListOptions) (storage.QueuePage, error) {
	type lister interface {
		List(context.Context, string, storage.QueueListOptions) (storage.QueuePage, error)
	}
	return invoke(p.c, "List", func(s lister) (storage.QueuePage, error) { return s.List(ctx, project, opts) })
}

func (p queuePipeline) Create(ctx context.Context, name, project string, metadata storage.Metadata) (bool, error) {
	type creator interface {
		Create(context.Context, string, string, storage.Metadata) (bool, error)
	}
	return invoke(p.c, "Create", func(s creator) (bool, error) { return s.Create(ctx, name, project, metadata) })
}

func (p queuePipeline) Exists(ctx context.Context, name, project string) (bool, error) {
	type checker interface {
		Exists(context.Context, string, string) (bool, error)
	}
	return invoke(p.c, "Exists", func(s checker) (bool, error) { return s.Exists(ctx, name, project) })
}

func (p queuePipeline) GetMetadata(ctx context.Context, name, project string) (storage.Metadata, error) {
	type getter interface {
		GetMetadata(context.Context, string, string) (storage.Metadata, error)
	}
	return invoke(p.c, "GetMetadata", func(s getter) (storage.Metadata, error) { return s.GetMetadata(ctx, name, project) })
}

func (p queuePipeline) SetMetadata(ctx context.Context, name, project string, metadata storage.Metadata) error {
	type setter interface {
		SetMetadata(context.Context, string, string, storage.Metadata) error
	}
	return invokeErr(p.c, "SetMetadata", func(s setter) error { return s.SetMetadata(ctx, name, project, metadata) })
}

func (p queuePipeline) Delete(ctx context.Context, name, project string) error {
	type deleter interface {
		Delete(context.Context, string, string) error
	}
	return invokeErr(p.c, "Delete", func(s deleter) error { return s.Delete(ctx, name, project) })
}

func (p queuePipeline) Stats(ctx context.Context, name, project string) (storage.QueueStats, error) {
	type stater interface {
		Stats(context.Context, string, string) (storage.QueueStats, error)
	}
	return invoke(p.c, "Stats", func(s stater) (storage.QueueStats, error) { return s.Stats(ctx, name, project) })
}

type messagePipeline struct{ c chain }

func (p messagePipeline) Post(ctx context.Context, queue, project string, specs []storage.MessageSpec, clientID string) ([]string, error) {
	type poster interface {
		Post(context.Context, string, string, []storage.MessageSpec, string) ([]string, error)
	}
	return invoke(p.c, "Post", func(s poster) ([]string, error) { return s.Post(ctx, queue, project, specs, clientID) })
}

func (p messagePipeline) Get(ctx context.Context, queue, project, id string) (storage.Message, error) {
	type getter interface {
		Get(context.Context, string, string, string) (storage.Message, error)
	}
	return invoke(p.c, "Get", func(s getter) (storage.Message, error) { return s.Get(ctx, queue, project, id) })
}

func (p messagePipeline) BulkGet(ctx context.Context, queue, project string, ids []string) ([]storage.Message, error) {
	type getter interface {
		BulkGet(context.Context, string, string, []string) ([]storage.Message, error)
	}
	return invoke(p.c, "BulkGet", func(s getter) ([]storage.Message, error) { return s.BulkGet(ctx, queue, project, ids) })
}

func (p messagePipeline) List(ctx context.Context, queue, project string, opts storage.MessageListOptions) (storage.MessagePage, error) {
	type lister interface {
		List(context.Context, string, string, storage.MessageListOptions) (storage.MessagePage, error)
	}
	return invoke(p.c, "List", func(s lister) (storage.MessagePage, error) { return s.List(ctx, queue, project, opts) })
}

func (p messagePipeline) Delete(ctx context.Context, queue, project, id, claimID string) error {
	type deleter interface {
		Delete(context.Context, string, string, string, string) error
	}
	return invokeErr(p.c, "Delete", func(s deleter) error { return s.Delete(ctx, queue, project, id, claimID) })
}

func (p messagePipeline) BulkDelete(ctx context.Context, queue, project string, ids []string) error {
	type deleter interface {
		BulkDelete(context.Context, string, string, []string) error
	}
	return invokeErr(p.c, "BulkDelete", func(s deleter) error { return s.BulkDelete(ctx, queue, project, ids) })
}

func (p messagePipeline) First(ctx context.Context, queue, project string, sort int) (storage.Message, error) {
	type firster interface {
		First(context.Context, string, string, int) (storage.Message, error)
	}
	return invoke(p.c, "First", func(s firster) (storage.Message, error) { return s.First(ctx, queue, project, sort) })
}

type claimPipeline struct{ c chain }

type claimed struct {
	id    string
	claim storage.Claim
	msgs  []storage.Message
}

func (p claimPipeline) Create(ctx context.Context, queue, project string, opts storage.ClaimOptions, limit int) (string, []storage.Message, error) {
	type creator interface {
		Create(context.Context, string, string, storage.ClaimOptions, int) (string, []storage.Message, error)
	}
	res, err := invoke(p.c, "Create", func(s creator) (claimed, error) {
		id, msgs, err := s.Create(ctx, queue, project, opts, limit)
		return claimed{id: id, msgs: msgs}, err
	})
	return res.id, res.msgs, err
}

func (p claimPipeline) Get(ctx context.Context, queue, project, claimID string) (storage.Claim, []storage.Message, error) {
	type getter interface {
		Get(context.Context, string, string, string) (storage.Claim, []storage.Message, error)
	}
	res, err := invoke(p.c, "Get", func(s getter) (claimed, error) {
		claim, msgs, err := s.Get(ctx, queue, project, claimID)
		return claimed{claim: claim, msgs: msgs}, err
	})
	return res.claim, res.msgs, err
}

func (p claimPipeline) Update(ctx context.Context, queue, project, claimID string, opts storage.ClaimOptions) error {
	type updater interface {
		Update(context.Context, string, string, string, storage.ClaimOptions) error
	}
	return invokeErr(p.c, "Update", func(s updater) error { return s.Update(ctx, queue, project, claimID, opts) })
}

func (p claimPipeline) Delete(ctx context.Context, queue, project, claimID string) error {
	type deleter interface {
		Delete(context.Context, string, string, string) error
	}
	return invokeErr(p.c, "Delete", func(s deleter) error { return s.Delete(ctx, queue, project, claimID) })
}
