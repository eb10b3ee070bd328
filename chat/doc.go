// Package chat connects the league to Twitch chat.
//
// Bot joins the league channels over IRC, turns prefixed chat lines into
// league commands and delivers the league's output. Twitch has no channel
// topics, so SetTopic posts the topic as a message whenever it changes.
// Whispers are delivered as mentions in the whisper channel because Twitch
// no longer accepts whispers over IRC.
//
// Credentials: the IRC client requires a bot username and an OAuth token with
// chat:read/chat:edit scopes (TWITCH_BOT_USERNAME, TWITCH_OAUTH_TOKEN).
package chat
