package facilitator

import (
	"log"
	"os"
)

// defaultLogger mirrors the plain stdlib log.Printf style the teacher's
// lifecycle-hooks example uses for background-loop diagnostics.
func defaultLogger() *log.Logger {
	return log.New(os.Stderr, "[settlement] ", log.LstdFlags)
}
