// Package suggestbot implements a Discord bot that counts the messages
// each user sends and runs a suggestion box with up/down voting.
//
// SuggestBot is built from a few service objects, each owned by the
// [SuggestBot] struct and constructed when Run is called:
//
//   - VoteLedger: the authoritative in-memory vote state. One vote per
//     user per suggestion, serialized per suggestion.
//   - MessageCounter: per-user message totals.
//   - Persister: pushes snapshots of both datasets to a Store after each
//     mutation, and retries failed flushes in the background.
//   - Store: durable storage, either JSON documents on disk or a
//     sqlite/postgres database.
//   - Discord: the gateway session, slash commands and message components.
//   - API: an optional admin HTTP server.
//
// The bot supports these commands:
//
//   - /stats: Shows the number of messages a user has sent, and when they
//     joined the server.
//   - /suggest: Posts a suggestion with 👍/👎 buttons. Each vote updates
//     the suggestion's tally and percentage bar.
//
// Interactions can be received over the gateway websocket, or via a
// webhook endpoint verified with the application's public key.
package suggestbot
