package ndilink

import "github.com/sigurn/crc16"

// Every command and reply carries a CRC-16/ARC (polynomial 0x8005, reflected,
// zero initial value).
var crcTable = crc16.MakeTable(crc16.CRC16_ARC)

func checksum(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}
