package hdlc

import (
	"fmt"
)

// macpacket is one parsed/pending HDLC frame payload (control byte plus
// any information field). It carries no transport state and is safe to
// build or parse without ever touching a connection.
type macpacket struct {
	control      byte
	info         []byte
	segmented    bool
	inlinelength int // 0 means use len(info); non-zero means the payload is already staged in the send buffer
}

var fcstab = [...]uint16{
	0x0000, 0x1189, 0x2312, 0x329b, 0x4624, 0x57ad, 0x6536, 0x74bf,
	0x8c48, 0x9dc1, 0xaf5a, 0xbed3, 0xca6c, 0xdbe5, 0xe97e, 0xf8f7,
	0x1081, 0x0108, 0x3393, 0x221a, 0x56a5, 0x472c, 0x75b7, 0x643e,
	0x9cc9, 0x8d40, 0xbfdb, 0xae52, 0xdaed, 0xcb64, 0xf9ff, 0xe876,
	0x2102, 0x308b, 0x0210, 0x1399, 0x6726, 0x76af, 0x4434, 0x55bd,
	0xad4a, 0xbcc3, 0x8e58, 0x9fd1, 0xeb6e, 0xfae7, 0xc87c, 0xd9f5,
	0x3183, 0x200a, 0x1291, 0x0318, 0x77a7, 0x662e, 0x54b5, 0x453c,
	0xbdcb, 0xac42, 0x9ed9, 0x8f50, 0xfbef, 0xea66, 0xd8fd, 0xc974,
	0x4204, 0x538d, 0x6116, 0x709f, 0x0420, 0x15a9, 0x2732, 0x36bb,
	0xce4c, 0xdfc5, 0xed5e, 0xfcd7, 0x8868, 0x99e1, 0xab7a, 0xbaf3,
	0x5285, 0x430c, 0x7197, 0x601e, 0x14a1, 0x0528, 0x37b3, 0x263a,
	0xdecd, 0xcf44, 0xfddf, 0xec56, 0x98e9, 0x8960, 0xbbfb, 0xaa72,
	0x6306, 0x728f, 0x4014, 0x519d, 0x2522, 0x34ab, 0x0630, 0x17b9,
	0xef4e, 0xfec7, 0xcc5c, 0xddd5, 0xa96a, 0xb8e3, 0x8a78, 0x9bf1,
	0x7387, 0x620e, 0x5095, 0x411c, 0x35a3, 0x242a, 0x16b1, 0x0738,
	0xffcf, 0xee46, 0xdcdd, 0xcd54, 0xb9eb, 0xa862, 0x9af9, 0x8b70,
	0x8408, 0x9581, 0xa71a, 0xb693, 0xc22c, 0xd3a5, 0xe13e, 0xf0b7,
	0x0840, 0x19c9, 0x2b52, 0x3adb, 0x4e64, 0x5fed, 0x6d76, 0x7cff,
	0x9489, 0x8500, 0xb79b, 0xa612, 0xd2ad, 0xc324, 0xf1bf, 0xe036,
	0x18c1, 0x0948, 0x3bd3, 0x2a5a, 0x5ee5, 0x4f6c, 0x7df7, 0x6c7e,
	0xa50a, 0xb483, 0x8618, 0x9791, 0xe32e, 0xf2a7, 0xc03c, 0xd1b5,
	0x2942, 0x38cb, 0x0a50, 0x1bd9, 0x6f66, 0x7eef, 0x4c74, 0x5dfd,
	0xb58b, 0xa402, 0x9699, 0x8710, 0xf3af, 0xe226, 0xd0bd, 0xc134,
	0x39c3, 0x284a, 0x1ad1, 0x0b58, 0x7fe7, 0x6e6e, 0x5cf5, 0x4d7c,
	0xc60c, 0xd785, 0xe51e, 0xf497, 0x8028, 0x91a1, 0xa33a, 0xb2b3,
	0x4a44, 0x5bcd, 0x6956, 0x78df, 0x0c60, 0x1de9, 0x2f72, 0x3efb,
	0xd68d, 0xc704, 0xf59f, 0xe416, 0x90a9, 0x8120, 0xb3bb, 0xa232,
	0x5ac5, 0x4b4c, 0x79d7, 0x685e, 0x1ce1, 0x0d68, 0x3ff3, 0x2e7a,
	0xe70e, 0xf687, 0xc41c, 0xd595, 0xa12a, 0xb0a3, 0x8238, 0x93b1,
	0x6b46, 0x7acf, 0x4854, 0x59dd, 0x2d62, 0x3ceb, 0x0e70, 0x1ff9,
	0xf78f, 0xe606, 0xd49d, 0xc514, 0xb1ab, 0xa022, 0x92b9, 0x8330,
	0x7bc7, 0x6a4e, 0x58d5, 0x495c, 0x3de3, 0x2c6a, 0x1ef1, 0x0f78,
}

func mac_crc16(d []byte) uint16 {
	c := uint16(0xffff)
	for _, b := range d {
		c = fcstab[byte(c)^b] ^ (c >> 8)
	}
	return c ^ 0xffff
}

func mac_crc16_r(d []byte, ih int) (hcs uint16, fcs uint16) {
	c := uint16(0xffff)
	for i := 0; i < ih; i++ {
		c = fcstab[byte(c)^d[i]] ^ (c >> 8)
	}
	hcs = c ^ 0xffff
	for i := ih; i < len(d); i++ {
		c = fcstab[byte(c)^d[i]] ^ (c >> 8)
	}
	return hcs, c ^ 0xffff
}

func mac_crc16_w(d []byte, ih int) uint16 {
	c := uint16(0xffff)
	for i := 0; i < ih; i++ {
		c = fcstab[byte(c)^d[i]] ^ (c >> 8)
	}
	hcs := c ^ 0xffff
	d[ih] = byte(hcs)
	d[ih+1] = byte(hcs >> 8)

	for i := ih; i < len(d); i++ {
		c = fcstab[byte(c)^d[i]] ^ (c >> 8)
	}
	return c ^ 0xffff
}

// tryExtractFrame scans buf for one complete HDLC frame bounded by 0x7e
// flags. It returns the bytes between the flags (the slice parsePacket
// expects) and how many leading bytes of buf the frame consumed. It
// never blocks and never reads from anywhere: buf is whatever has been
// handed to Feed so far. ErrNeedMoreData means buf is a valid but
// incomplete prefix; the caller should Feed more and retry.
func tryExtractFrame(buf []byte) (ori []byte, consumed int, err error) {
	limit := len(buf)
	if limit > maxBytesBefore7e {
		limit = maxBytesBefore7e
	}
	start := -1
	for i := 0; i < limit; i++ {
		if buf[i] == 0x7e {
			start = i
			break
		}
	}
	if start < 0 {
		if len(buf) >= maxBytesBefore7e {
			return nil, 0, fmt.Errorf("too many bytes before any 0x7e found")
		}
		return nil, 0, ErrNeedMoreData
	}
	if len(buf) < start+3 {
		return nil, 0, ErrNeedMoreData
	}
	if buf[start+1]&0xf0 != 0xa0 {
		return nil, 0, fmt.Errorf("invalid starting packet: %x", buf[start+1])
	}
	raw := ((uint(buf[start+1]) & 7) << 8) | uint(buf[start+2])
	if raw < 7 {
		return nil, 0, fmt.Errorf("invalid packet length, too short")
	}
	total := start + 2 + int(raw)
	if len(buf) < total {
		return nil, 0, ErrNeedMoreData
	}
	closeIdx := total - 1
	if buf[closeIdx] != 0x7e {
		return nil, 0, fmt.Errorf("there is no closing tag found")
	}
	return buf[start+1 : closeIdx], total, nil
}

// parsePacket decodes a frame body (as returned by tryExtractFrame) that
// is addressed to client at (logical, physical), checking addresses and
// both CRCs.
func parsePacket(ori []byte, client byte, logical, physical uint16) (pck macpacket, err error) {
	if len(ori) < 6 {
		return pck, fmt.Errorf("too short packet")
	}

	if ori[2]&1 == 0 {
		return pck, fmt.Errorf("invalid ending bit of client address")
	}
	if ori[2]>>1 != client {
		return pck, fmt.Errorf("invalid client address")
	}
	offset := 0
	var log uint16 // upper
	var phy uint16 // lower
	if ori[3]&1 != 0 {
		log = uint16(ori[3] >> 1)
		phy = 0
		offset = 1
	} else if ori[4]&1 != 0 {
		log = uint16(ori[3] >> 1)
		phy = uint16(ori[4] >> 1)
		offset = 2
	} else if ori[5]&1 != 0 {
		return pck, fmt.Errorf("invalid address field, premature termination bit")
	} else if len(ori) < 7 {
		return pck, fmt.Errorf("too short packet for whole address")
	} else if ori[6]&1 == 0 {
		return pck, fmt.Errorf("there is no termination bit in address field")
	} else {
		log = uint16(ori[3]>>1)<<7 | uint16(ori[4]>>1)
		phy = uint16(ori[5]>>1)<<7 | uint16(ori[6]>>1)
		offset = 4
	}

	if log != logical {
		return pck, fmt.Errorf("mismatch logical address")
	}
	if phy != physical {
		return pck, fmt.Errorf("mismatch physical address")
	}

	if len(ori) < offset+6 {
		return pck, fmt.Errorf("too short packet")
	}

	offset += 3
	pck.segmented = ori[0]&8 != 0
	pck.control = ori[offset]
	rem := len(ori) - offset
	switch {
	case rem < 3:
		return pck, fmt.Errorf("too short packet")
	case rem == 3: // just fcs and no info
		fcs := mac_crc16(ori[:len(ori)-2])
		if fcs != uint16(ori[len(ori)-2])|(uint16(ori[len(ori)-1])<<8) {
			return pck, fmt.Errorf("fcs mismatch")
		}
		return pck, nil
	case rem == 4:
		return pck, fmt.Errorf("invalid packet length")
	default:
		hcs, fcs := mac_crc16_r(ori[:len(ori)-2], offset+1)
		if hcs != uint16(ori[offset+1])|(uint16(ori[offset+2])<<8) {
			return pck, fmt.Errorf("hcs mismatch")
		}
		if fcs != uint16(ori[len(ori)-2])|(uint16(ori[len(ori)-1])<<8) {
			return pck, fmt.Errorf("fcs mismatch")
		}
		pck.info = ori[offset+3 : len(ori)-2]
	}

	return pck, nil
}

func getAddressLength(logical, physical uint16) int {
	if logical <= 0x7f {
		if physical == 0 {
			return 1
		}
		if physical <= 0x7f {
			return 2
		}
	}
	return 4
}

// buildPacket renders packet into dst (which must be at least maxLength
// long) as a flag-delimited HDLC frame addressed from client to
// (logical, physical), returning the used slice of dst. When
// packet.inlinelength is non-zero the payload is assumed already staged
// at the offset buildPacket will use (see Layer.stage), so only the
// framing bytes are written around it.
func buildPacket(dst []byte, logical, physical uint16, client byte, packet macpacket, final bool) ([]byte, error) {
	addrlen := getAddressLength(logical, physical)

	var pck []byte
	switch addrlen {
	case 1:
		dst[6] = byte(logical<<1) | 1
		pck = dst[3:]
	case 2:
		dst[5] = byte(logical << 1)
		dst[6] = byte(physical<<1) | 1
		pck = dst[2:]
	case 4:
		dst[3] = byte(logical>>7) << 1
		dst[4] = byte(logical << 1)
		dst[5] = byte(physical>>7) << 1
		dst[6] = byte(physical<<1) | 1
		pck = dst[:]
	default:
		return nil, fmt.Errorf("invalid address length, programatic error")
	}

	pck[0] = 0x7e
	offset := 3 + addrlen // address + header + 0x7e
	pck[offset] = byte(client<<1) | 1
	offset++
	pck[offset] = packet.control
	if final {
		pck[offset] |= 0x10
	}
	offset++
	ilen := packet.inlinelength
	pcopy := false
	if ilen == 0 {
		ilen = len(packet.info)
		pcopy = true
	}
	if ilen > 0 {
		leni := offset + 3 + ilen
		if leni > 0x7ff {
			return nil, fmt.Errorf("too long packet to encode")
		}
		pck[1] = 0xa0 | byte(leni>>8)
		if packet.segmented {
			pck[1] |= 8
		}
		pck[2] = byte(leni)
		offset += 2
		if pcopy {
			copy(pck[offset:], packet.info)
		}
		offset += ilen
		fcs := mac_crc16_w(pck[1:offset], offset-3-ilen)
		pck[offset] = byte(fcs)
		offset++
		pck[offset] = byte(fcs >> 8)
		offset++
	} else { // only single crc here (FCS)
		pck[1] = 0xa0
		if packet.segmented {
			pck[1] |= 8
		}
		pck[2] = byte(offset + 1)
		fcs := mac_crc16(pck[1:offset])
		pck[offset] = byte(fcs)
		offset++
		pck[offset] = byte(fcs >> 8)
		offset++
	}
	pck[offset] = 0x7e
	offset++

	return pck[:offset], nil
}

// buildSNRMInfo appends the fixed SNRM negotiation parameters (window
// size always 1, max send/receive size as given) to dst.
func buildSNRMInfo(dst []byte, maxsnd, maxrcv uint) []byte {
	p := dst
	if maxrcv > 128 || maxsnd > 128 { // longer snrm
		p = append(p, 0x81, 0x80, 0x14, 0x05, 0x02, byte(maxsnd>>8), byte(maxsnd), 0x06, 0x02, byte(maxrcv>>8), byte(maxrcv))
	} else {
		p = append(p, 0x81, 0x80, 0x14, 0x05, 0x01, byte(maxsnd), 0x06, 0x01, byte(maxrcv))
	}
	p = append(p, 0x07, 0x04, 0x00, 0x00, 0x00, 0x01, 0x08, 0x04, 0x00, 0x00, 0x00, 0x01)
	return p
}

func readSNRMUATag(t []byte) (int, uint, error) {
	if len(t) < 2 {
		return 0, 0, fmt.Errorf("too short tag")
	}
	switch t[0] {
	case 1:
		return 2, uint(t[1]), nil
	case 2:
		if len(t) < 3 {
			return 0, 0, fmt.Errorf("too short tag")
		}
		return 3, (uint(t[1]) << 8) | uint(t[2]), nil
	case 4:
		if len(t) < 5 {
			return 0, 0, fmt.Errorf("too short tag")
		}
		return 5, (uint(t[1]) << 24) | (uint(t[2]) << 16) | (uint(t[3]) << 8) | uint(t[4]), nil
	default:
		return 0, 0, fmt.Errorf("invalid tag length")
	}
}

// parseSNRMUA reads a UA response's negotiated parameters, lowering
// *maxrcv/*maxsnd when the meter proposed something smaller.
func parseSNRMUA(ua []byte, maxrcv, maxsnd *uint) error {
	if ua == nil {
		return fmt.Errorf("no ua response")
	}
	if len(ua) < 21 {
		return fmt.Errorf("too short snrm response")
	}
	if ua[0] != 0x81 || ua[1] != 0x80 {
		return fmt.Errorf("invalid snrm response header")
	}
	if len(ua) != int(ua[2])+3 {
		return fmt.Errorf("invalid snrm response length")
	}
	for i := 3; i < len(ua); i++ {
		con, t, err := readSNRMUATag(ua[i+1:])
		if err != nil {
			return err
		}
		switch ua[i] {
		case 5:
			if t < *maxrcv {
				*maxrcv = t
			}
		case 6:
			if t < *maxsnd {
				*maxsnd = t
			}
		case 7: // window size, always 1 for now
		case 8:
		default:
			return fmt.Errorf("invalid snrm response tag: %v", ua[i])
		}
		i += con
	}
	return nil
}
