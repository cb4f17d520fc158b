// Package miio implements a client for the Xiaomi "Mi Home" binary control
// protocol spoken over UDP between a controller host and a smart-home
// device: a 32-byte header plus an AES-128-CBC encrypted JSON-RPC-style
// payload, integrity-checked with an MD5 digest mixing the header, the
// device token, and the ciphertext.
//
// Reference: https://github.com/OpenMiHome/mihome-binary-protocol/blob/master/doc/PROTOCOL.md
package miio
