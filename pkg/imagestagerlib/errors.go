package imagestagerlib

import "fmt"

// CreatorError wraps a failure of the image staging workflow with the step that
// failed.
type CreatorError struct {
	Step string
	Err  error
}

func (e *CreatorError) Error() string {
	return fmt.Sprintf("image staging failed during %s: %v", e.Step, e.Err)
}

func (e *CreatorError) Unwrap() error {
	return e.Err
}

func creatorErrorf(step string, err error) *CreatorError {
	return &CreatorError{Step: step, Err: err}
}
