// Package luna implements a companion Discord bot that relays channel
// messages to an OpenAI-compatible text endpoint and an image-generation
// endpoint, keeping per-user conversation history and relationship
// statistics.
//
// Key components of the package include:
//
//   - Luna: The main struct that wires everything together and owns the
//     process lifecycle.
//   - KeyPool: An ordered pool of API credentials with failure-classified
//     cooldowns; every outbound text generation rotates across it.
//   - Generator: The chat-completion client, which translates remote
//     failures into pool-wide availability decisions.
//   - ConversationStore: Per-user conversation records with a sliding
//     retention window, a hard history cap, and debounced persistence to
//     a single JSON document.
//   - Discord: The gateway connector and message-handling path.
//   - API: An optional read-only status server.
//
// Remote failures are absorbed as close to their origin as possible:
// individual key failures become cooldowns, and only total credential
// exhaustion surfaces to the message path, where it is downgraded to a
// canned reply. The process never terminates over a single message.
package luna
