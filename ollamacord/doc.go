// Package ollamacord implements a Discord bot that relays @-mention
// messages to a local Ollama server and replies in-channel.
//
// OllamaCord listens for messages that mention the bot, appends them to
// a per-channel conversation, forwards the conversation to Ollama's chat
// API, and posts the model's reply back to the channel. Conversations
// are persisted, so context survives restarts, and each channel's
// requests are processed one at a time and in order.
//
// Key components of the package include:
//
//   - OllamaCord: The main struct that encapsulates the bot's core functionality.
//   - Discord: Handles the Discord gateway connection and message handling.
//   - Ollama: Manages calls to the Ollama chat API.
//   - API: Provides a backend API for bot management and monitoring.
//   - ChatRequestMemoryQueue: Orders incoming mention-triggered requests.
//   - channelWorker: Serializes request execution per channel.
//
// The bot supports two slash commands:
//
//   - /reset: Clears the channel's conversation back to its system prompt.
//   - /toggle: Enables or disables chat replies globally. The flag is
//     persisted, so it survives restarts.
//
// OllamaCord also includes rate limiting for Ollama calls, user
// management, and extensive logging to ensure smooth operation and easy
// troubleshooting.
package ollamacord
