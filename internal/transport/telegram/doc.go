// Package telegram delivers owner digests through the Telegram Bot API.
//
// The Sender only needs outbound calls. When started it also long-polls
// for /start and /chatid so an owner can learn the chat id to register.
package telegram
