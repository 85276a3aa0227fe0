package codec

import "errors"

var (
	errMalformedRequestLine = errors.New("codec: malformed request line")
	errMalformedHeaderLine  = errors.New("codec: malformed header line")
)
