package safe

import (
	"github.com/taskhive/chatcore/logger"
)

// Go starts a goroutine that recovers from panic so a single handler
// cannot take down the process.
func Go(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[safe.Go] panic recovered: %v", r)
			}
		}()
		f()
	}()
}
