// Package telegrambot implements the transport contract on top of the
// Telegram Bot API (telebot.v4). An account's credential is its bot token.
//
// The Bot API is stateless HTTP, so "connected" means the token was accepted
// by getMe; liveness pings repeat getMe. A 401 from Telegram means the token
// was revoked and is reported as a terminal logout.
//
// The package also provides AlertSender, used by logx to forward warnings to
// an operator chat.
package telegrambot
