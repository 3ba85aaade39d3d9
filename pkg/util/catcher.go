package util

import (
	"github.com/pkg/errors"
)

// TryCatchBlock represents struct for try-catch-finally control flow
type TryCatchBlock struct {
	Try     func()
	Catch   func(error)
	Finally func()
}

// Do executes TryCatchBlock try-catch-finally control flow
func (tcf TryCatchBlock) Do() {
	if tcf.Finally != nil {
		defer tcf.Finally()
	}
	if tcf.Catch != nil {
		defer func() {
			if r := recover(); r != nil {
				err, ok := r.(error)
				if !ok {
					err = errors.Errorf("%v", r)
				}
				tcf.Catch(err)
			}
		}()
	}
	tcf.Try()
}

// CatchErrs runs fn and converts panics from the underlying ble stack into errors
func CatchErrs(fn func() error) error {
	var err error
	TryCatchBlock{
		Try:   func() { err = fn() },
		Catch: func(e error) { err = errors.Wrap(e, "Caught panic: ") },
	}.Do()
	return err
}
