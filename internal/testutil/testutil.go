// Package testutil provides polling assertions for tests that observe the
// asynchronous progress loop.
//
// Usage:
//
//	testutil.RequireEventually(t, func() bool { return cm.EventChannel().Pending() == 0 },
//		time.Second, time.Millisecond, "event channel did not drain")
package testutil
