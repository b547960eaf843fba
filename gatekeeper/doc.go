// Package gatekeeper implements a Discord bot that verifies new guild
// members before granting them access.
//
// Verification is a resumable, per-(user, guild) state machine. Each guild
// configures which steps are required:
//
//   - Captcha: a randomly generated arithmetic, letter-count or
//     reverse-spelling challenge.
//   - Questions: up to five custom questions, each with a set of accepted
//     answers.
//   - Rules: the member must accept the guild's rules.
//   - Account age: members whose Discord account is younger than a
//     threshold are rejected on join, before any other step.
//
// Steps are always presented in that fixed order, and any step whose
// requirement is disabled is skipped. Captcha and question steps allow three
// incorrect attempts before the attempt fails. Progress is persisted in a
// [VerificationLog], so a member can resume an attempt from a DM button,
// the /verify command or a re-join.
//
// Key components:
//
//   - Gatekeeper: owns configuration, the database, the Discord session and
//     the admin API.
//   - VerificationEngine: the state machine. It serializes mutations per
//     (user, guild) with a [Locker] and retries stale writes.
//   - VerificationStore: gorm-backed persistence for settings, logs and
//     audit events.
//   - Discord: the gateway session, which translates member joins, button
//     presses and modal submissions into engine calls.
//   - API: an HTTP admin API for settings, statistics and manual
//     verification.
//
// When Redis is configured, locks and captcha challenges are shared between
// bot instances. When PostgreSQL is used, settings changes are broadcast to
// other instances with LISTEN/NOTIFY.
package gatekeeper
