package syncspace

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

type TransformOptions struct {
	Local *LocalProvider
	Cloud *CloudProvider
	// Aux is the shared relational side store whose rows move with the
	// workspace. Optional.
	Aux    AuxStore
	Logger zerolog.Logger
}

// TransformService migrates a workspace from the local flavour to a
// cloud server. The local original is deleted only after the cloud copy
// is fully seeded, so any partial failure leaves the source untouched.
type TransformService struct {
	local  *LocalProvider
	cloud  *CloudProvider
	aux    AuxStore
	logger zerolog.Logger
}

func NewTransformService(opts TransformOptions) (*TransformService, error) {
	if opts.Local == nil || opts.Cloud == nil {
		return nil, ErrInvalidInput
	}
	return &TransformService{
		local:  opts.Local,
		cloud:  opts.Cloud,
		aux:    opts.Aux,
		logger: opts.Logger,
	}, nil
}

// TransformToCloud moves one local workspace to the cloud flavour and
// returns the new workspace's metadata.
func (s *TransformService) TransformToCloud(ctx context.Context, meta WorkspaceMetadata) (WorkspaceMetadata, error) {
	if meta.Flavour != FlavourLocal {
		return WorkspaceMetadata{}, fmt.Errorf("%w: transform source must be a local workspace, got %q", ErrPreconditionFailed, meta.Flavour)
	}

	srcDocs, err := s.local.registry.BuildDocStorage(s.local.localSpec(meta.ID))
	if err != nil {
		return WorkspaceMetadata{}, err
	}
	defer srcDocs.Close()
	srcBlobs, err := s.local.registry.BuildBlobStorage(s.local.localSpec(meta.ID))
	if err != nil {
		return WorkspaceMetadata{}, err
	}
	defer srcBlobs.Close()

	newMeta, err := s.cloud.CreateWorkspace(ctx, func(ctx context.Context, collection DocCollection, _ DocStorage, blobs BlobStorage) error {
		if err := s.copyDocs(ctx, srcDocs, collection, meta.ID); err != nil {
			return err
		}
		if err := s.copyAux(ctx, meta.ID, collection.Root().GUID()); err != nil {
			return err
		}
		return s.copyBlobs(ctx, srcBlobs, blobs)
	})
	if err != nil {
		return WorkspaceMetadata{}, err
	}

	if err := s.local.DeleteWorkspace(ctx, meta.ID); err != nil {
		return newMeta, err
	}
	s.logger.Info().
		Str("from", meta.ID).
		Str("to", newMeta.ID).
		Msg("workspace transformed to cloud")
	return newMeta, nil
}

// copyDocs applies the source root's bytes to the destination root,
// then every subdocument the root makes reachable.
func (s *TransformService) copyDocs(ctx context.Context, src DocStorage, collection DocCollection, sourceID string) error {
	root := collection.Root()
	record, err := src.GetDoc(ctx, sourceID)
	if err != nil {
		return err
	}
	if record != nil {
		if err := root.ApplyUpdate(record.Bin); err != nil {
			return err
		}
	}
	for _, subdoc := range root.Subdocs() {
		subRecord, err := src.GetDoc(ctx, subdoc.GUID())
		if err != nil {
			return err
		}
		if subRecord == nil {
			continue
		}
		if err := subdoc.ApplyUpdate(subRecord.Bin); err != nil {
			return err
		}
	}
	return nil
}

func (s *TransformService) copyAux(ctx context.Context, fromID, toID string) error {
	if s.aux == nil {
		return nil
	}
	entries, err := s.aux.GetAll(ctx, fromID)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := s.aux.Put(ctx, toID, entry.Key, entry.Value); err != nil {
			return err
		}
	}
	return nil
}

// copyBlobs moves blobs one at a time so a failure surfaces before the
// destructive step.
func (s *TransformService) copyBlobs(ctx context.Context, src BlobStorage, dst BlobStorage) error {
	listed, err := src.List(ctx)
	if err != nil {
		return err
	}
	for _, item := range listed {
		record, err := src.Get(ctx, item.Key)
		if err != nil {
			return err
		}
		if record == nil {
			continue
		}
		if err := dst.Set(ctx, *record); err != nil {
			return err
		}
	}
	return nil
}
