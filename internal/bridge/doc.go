/*
Package bridge is the event-to-state glue between the background agent
process and the conversation store.

A Dispatcher holds one binding per attached session. The binding
subscribes to the event channel, drops envelopes whose session ID does not
match, and routes the rest through a switch over the event tag:

  - turn.started opens a streaming assistant message
  - message.delta / thinking.delta feed the stream buffer
  - tool.started / tool.completed maintain the message's tool call records
  - approval.requested is handed to the approval manager for the UI
  - conversation.title stores the agent-generated title
  - turn.completed / turn.failed finalize the message and persist

The stream buffer debounces fragment writes: content accumulates in memory
and lands in the store after a short fixed delay, or immediately on a
terminal event. This keeps a fast token stream from turning every token
into a store mutation while the UI still sees steady progress.

Persistence happens at turn boundaries only; a conversation with a message
still streaming is never written to disk.
*/
package bridge
