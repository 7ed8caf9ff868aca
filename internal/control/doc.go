// Package control implements the collector's operator channel.
//
// A control connection carries exactly one request: a command byte,
// followed for KILL by a big-endian int32 timeout in seconds. SAVE, KILL and
// FORCE_KILL are answered with the single byte Ack. STATUS and WAIT are
// answered with a length-prefixed line of semicolon-separated fields:
//
//	STATUS  running;total;active;unsaved;command;workdir;template;output
//	WAIT    started;host;port;template
//
// Unknown command bytes are logged and the connection is closed without a
// reply.
package control
