/*
Package event provides the asynchronous event channel connecting the
background agent process to the UI-side bridge.

The package is built on watermill's gochannel for infrastructure while
keeping direct-call dispatch so payloads retain their Go types. Every
envelope carries a tag, the originating session ID, and a typed payload.

# Event tags

Agent-emitted:

  - turn.started: an assistant turn began streaming
  - message.delta / thinking.delta: incremental content fragments
  - tool.started / tool.completed: tool invocation lifecycle
  - approval.requested: the agent needs a user decision before proceeding
  - turn.completed / turn.failed: terminal events for a turn
  - conversation.title: the agent produced a conversation title

Bridge-emitted:

  - approval.replied: the user's decision for a pending approval
  - conversation.changed: a persisted blob was modified externally

# Usage

	unsub := event.SubscribeAll(func(e event.Event) {
		if e.SessionID != mySession {
			return
		}
		// dispatch on e.Type
	})
	defer unsub()

	event.Publish(event.Event{
		Type:      event.MessageDelta,
		SessionID: mySession,
		Data:      event.MessageDeltaData{MessageID: id, Delta: "hi"},
	})

Publish delivers each subscriber in its own goroutine; PublishSync delivers
in the caller's goroutine and is what the replay tooling uses to keep the
recorded ordering. Subscribers must not publish re-entrantly from a
PublishSync delivery.

Isolated Bus instances (NewBus) exist for tests; Reset reinitializes the
global bus.
*/
package event
