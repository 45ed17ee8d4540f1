package build

import (
	"fmt"
	"os"
)

// Critical will print a message to os.Stderr unless DEBUG has been set, in
// which case panic will be called instead.
func Critical(v ...interface{}) {
	s := "Critical error: " + fmt.Sprintln(v...) + "Please submit a bug report here: " + IssuesURL + "\n"
	if DEBUG {
		panic(s)
	}
	os.Stderr.WriteString(s)
}

// Severe will print a message to os.Stderr. If DEBUG has been set panic will
// be called instead. Severe should be called in situations which indicate
// significant problems for the user (such as disk failure or random number
// generation failure), but not in situations where developer error may have
// caused the problem.
func Severe(v ...interface{}) {
	s := "Severe error: " + fmt.Sprintln(v...)
	if DEBUG {
		panic(s)
	}
	os.Stderr.WriteString(s)
}
