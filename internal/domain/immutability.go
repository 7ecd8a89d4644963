package domain

import (
	"fmt"
	"reflect"
)

// EnsureDatasetImmutable rejects updates that move a dataset's storage or
// change its identity.
func EnsureDatasetImmutable(before, after Dataset) error {
	if before.ID == "" || after.ID == "" {
		return fmt.Errorf("%w: dataset ids are required", ErrValidation)
	}
	if before.ID != after.ID {
		return fmt.Errorf("%w: dataset id changed from %q to %q", ErrValidation, before.ID, after.ID)
	}
	if before.Owner != after.Owner {
		return fmt.Errorf("%w: dataset owner is immutable", ErrValidation)
	}
	if before.Name != after.Name {
		return fmt.Errorf("%w: dataset name is immutable", ErrValidation)
	}
	if before.PrivatePath != after.PrivatePath {
		return fmt.Errorf("%w: private path is immutable", ErrValidation)
	}
	if before.MockPath != after.MockPath {
		return fmt.Errorf("%w: mock path is immutable", ErrValidation)
	}
	return nil
}

// EnsureUserCodeImmutable rejects any change to a submitted code artifact.
func EnsureUserCodeImmutable(before, after UserCode) error {
	if before.ID != after.ID {
		return fmt.Errorf("%w: user code id changed from %q to %q", ErrValidation, before.ID, after.ID)
	}
	if before.Requester != after.Requester ||
		before.Entrypoint != after.Entrypoint ||
		before.Dir != after.Dir ||
		before.Digest != after.Digest ||
		!reflect.DeepEqual(before.Files, after.Files) {
		return fmt.Errorf("%w: user code %s is immutable", ErrValidation, before.ID)
	}
	return nil
}

// EnsureJobBindingImmutable keeps a job bound to the dataset, code and
// requester it was submitted with.
func EnsureJobBindingImmutable(before, after Job) error {
	if before.ID != after.ID {
		return fmt.Errorf("%w: job id changed from %q to %q", ErrValidation, before.ID, after.ID)
	}
	if before.DatasetID != after.DatasetID {
		return fmt.Errorf("%w: job dataset is immutable", ErrValidation)
	}
	if before.UserCodeID != after.UserCodeID {
		return fmt.Errorf("%w: job user code is immutable", ErrValidation)
	}
	if before.Requester != after.Requester {
		return fmt.Errorf("%w: job requester is immutable", ErrValidation)
	}
	if before.Name != after.Name {
		return fmt.Errorf("%w: job name is immutable", ErrValidation)
	}
	return nil
}
