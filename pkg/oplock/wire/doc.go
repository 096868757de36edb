// Package wire encodes and decodes the SMB messages that carry oplock and
// lease state: server-initiated break notifications, client break
// acknowledgments and the lease create context.
//
// Encoding follows the error-accumulation pattern of bufio.Scanner: a
// Reader or Writer records the first failure and turns every later call
// into a no-op, so callers check Err once at the end:
//
//	r := wire.NewReader(data)
//	r.ExpectUint16(LeaseBreakAckSize)
//	r.Skip(6)
//	key := r.ReadGUID()
//	if err := r.Err(); err != nil {
//	    return nil, err
//	}
//
// All integers are little-endian as required by [MS-SMB2] and [MS-CIFS].
// Payloads returned by the encoders start at the SMB header; transport
// framing (the 4-byte NetBIOS session header) is added by the connection.
package wire
