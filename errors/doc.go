// Package errors provides the structured error taxonomy used by the task
// dispatcher. Every failure that can reach a task's terminal record is an
// *Error carrying a code, a category and a retry decision, so the retry
// governor can classify failures without the activity deciding anything.
//
// # Error Categories
//
//   - Transient: the attempt may succeed if repeated (timeouts, I/O, upstream faults)
//   - Permanent: repeating will not help (missing file, bad parameters, cancellation)
//   - Internal: bugs or corrupted state
//
// # Usage
//
//	err := errors.NotFound("requirements.txt does not exist")
//	if errors.IsRetryable(err) {
//	    // schedule another attempt
//	}
//
// Errors round-trip through JSON so that a task's terminal error survives
// persistence and is returned to the submitter verbatim:
//
//	data, _ := json.Marshal(err)
//	var restored errors.Error
//	_ = json.Unmarshal(data, &restored)
package errors
