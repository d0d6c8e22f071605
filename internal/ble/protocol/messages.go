package protocol

import "fmt"

// RegionInfo describes one regulatory region supported by the reader.
//
//	field 1 (uint32): index
//	field 2 (string): code
//	field 3 (string): name
type RegionInfo struct {
	Index uint32
	Code  string
	Name  string
}

// RegionConfig is the reader's active regulatory configuration.
//
//	field 1 (string): region code
//	field 2 (uint32): tx power in centi-dBm
//	field 3 (bool):   frequency hopping
type RegionConfig struct {
	Code             string
	TxPowerCentiDBm  uint32
	FrequencyHopping bool
}

// SealedCredential carries an AES-GCM sealed credential.
//
//	field 1 (bytes): iv (12 bytes)
//	field 2 (bytes): tag (16 bytes)
//	field 3 (bytes): ciphertext
type SealedCredential struct {
	IV         []byte
	Tag        []byte
	Ciphertext []byte
}

// MarshalRegionList encodes regions as repeated field 1.
func MarshalRegionList(regions []RegionInfo) []byte {
	var buf []byte
	for _, r := range regions {
		buf = appendBytesField(buf, 1, marshalRegionInfo(r))
	}
	return buf
}

func marshalRegionInfo(r RegionInfo) []byte {
	var buf []byte
	buf = appendVarintField(buf, 1, uint64(r.Index))
	buf = appendBytesField(buf, 2, []byte(r.Code))
	if r.Name != "" {
		buf = appendBytesField(buf, 3, []byte(r.Name))
	}
	return buf
}

// UnmarshalRegionList decodes a region list.
func UnmarshalRegionList(data []byte) ([]RegionInfo, error) {
	var (
		regions []RegionInfo
		inner   [][]byte
	)
	err := walkFields(data, func(field uint8, _ uint64, raw []byte) {
		if field == 1 && raw != nil {
			inner = append(inner, raw)
		}
	})
	if err != nil {
		return nil, err
	}

	for i, raw := range inner {
		var r RegionInfo
		err := walkFields(raw, func(field uint8, val uint64, b []byte) {
			switch field {
			case 1:
				r.Index = uint32(val)
			case 2:
				r.Code = string(b)
			case 3:
				r.Name = string(b)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("protocol: region %d: %w", i, err)
		}
		regions = append(regions, r)
	}
	return regions, nil
}

// MarshalRegionConfig encodes a RegionConfig.
func MarshalRegionConfig(c RegionConfig) []byte {
	var buf []byte
	buf = appendBytesField(buf, 1, []byte(c.Code))
	buf = appendVarintField(buf, 2, uint64(c.TxPowerCentiDBm))
	hop := uint64(0)
	if c.FrequencyHopping {
		hop = 1
	}
	buf = appendVarintField(buf, 3, hop)
	return buf
}

// UnmarshalRegionConfig decodes a RegionConfig.
func UnmarshalRegionConfig(data []byte) (RegionConfig, error) {
	var c RegionConfig
	err := walkFields(data, func(field uint8, val uint64, raw []byte) {
		switch field {
		case 1:
			c.Code = string(raw)
		case 2:
			c.TxPowerCentiDBm = uint32(val)
		case 3:
			c.FrequencyHopping = val != 0
		}
	})
	if err != nil {
		return RegionConfig{}, err
	}
	return c, nil
}

// MarshalSealedCredential encodes a SealedCredential.
func MarshalSealedCredential(s SealedCredential) ([]byte, error) {
	if len(s.IV) != 12 {
		return nil, fmt.Errorf("protocol: iv must be 12 bytes, got %d", len(s.IV))
	}
	if len(s.Tag) != 16 {
		return nil, fmt.Errorf("protocol: tag must be 16 bytes, got %d", len(s.Tag))
	}
	var buf []byte
	buf = appendBytesField(buf, 1, s.IV)
	buf = appendBytesField(buf, 2, s.Tag)
	buf = appendBytesField(buf, 3, s.Ciphertext)
	return buf, nil
}

// UnmarshalSealedCredential decodes a SealedCredential.
func UnmarshalSealedCredential(data []byte) (SealedCredential, error) {
	var s SealedCredential
	err := walkFields(data, func(field uint8, _ uint64, raw []byte) {
		switch field {
		case 1:
			s.IV = cloneBytes(raw)
		case 2:
			s.Tag = cloneBytes(raw)
		case 3:
			s.Ciphertext = cloneBytes(raw)
		}
	})
	if err != nil {
		return SealedCredential{}, err
	}
	if len(s.IV) != 12 || len(s.Tag) != 16 {
		return SealedCredential{}, fmt.Errorf("protocol: sealed credential has iv %d / tag %d bytes", len(s.IV), len(s.Tag))
	}
	return s, nil
}
