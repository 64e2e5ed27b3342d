// Package activity executes the unit of work behind each intent.
//
// An Executor maps an intent and its parameters onto a handler (file read,
// directory listing, clock read or a generation call) and runs it under a
// per-attempt timeout. Handlers never retry; every failure is returned as a
// coded *errors.Error so the retry governor can decide what happens next.
//
// The collaborators are narrow interfaces so tests can substitute them:
//
//	exec := activity.New(activity.Config{
//		FS:       activity.OSFileSystem{},
//		Clock:    activity.SystemClock{},
//		Provider: provider,
//	})
//	out, err := exec.Execute(ctx, intent.ReadFile, params, 30*time.Second)
package activity
