// Package topic provides hierarchical topic names and wildcard matching for
// the session event bus.
//
// Topics use dot notation:
//
//	process.container.started
//	process.thread.exited
//	breakpoint.added
//	runcontrol.reverse.changed
//
// Subscriptions may use patterns:
//
//	breakpoint.*          matches breakpoint.added and breakpoint.removed
//	process.*.exited      matches process.container.exited and process.thread.exited
//	group.**              matches group.created, group.deleted and group.changed
//	**                    matches everything
package topic
