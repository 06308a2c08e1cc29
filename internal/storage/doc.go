// Package storage is the document store behind the bot: Taiga projects,
// the chat instances bound to them, Telegram users, and the notifier dedup
// state that has to survive restarts.
package storage
