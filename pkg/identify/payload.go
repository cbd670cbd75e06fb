/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package identify

import (
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

// The handshake only needs a handful of fields from the radio protocol, so
// they are walked with protowire instead of carrying generated bindings.
//
// ToRadio:   want_config_id = 3 (varint)
// FromRadio: my_info = 3 (message), node_info = 4 (message), config_complete_id = 7 (varint)
// MyNodeInfo: my_node_num = 1 (varint)
// NodeInfo:   num = 1 (varint), user = 2 (message)
// User:       long_name = 2 (string), short_name = 3 (string)
const (
	toRadioWantConfigID = 3

	fromRadioMyInfo           = 3
	fromRadioNodeInfo         = 4
	fromRadioConfigCompleteID = 7

	myNodeInfoNodeNum = 1

	nodeInfoNum  = 1
	nodeInfoUser = 2

	userLongName  = 2
	userShortName = 3
)

var errMalformedPayload = errors.New("malformed protobuf payload")

// encodeWantConfig builds the ToRadio request that asks the radio to send
// its configuration, starting with MyNodeInfo.
func encodeWantConfig(nonce uint32) []byte {
	var b []byte
	b = protowire.AppendTag(b, toRadioWantConfigID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(nonce))

	return b
}

// radioUpdate is the subset of a FromRadio message the identifier cares
// about.
type radioUpdate struct {
	nodeNum        uint32
	hasNodeNum     bool
	ownerLongName  string
	ownerShortName string
	ownerNodeNum   uint32
	hasOwner       bool
	configComplete uint32
	isComplete     bool
}

// parseFromRadio walks one FromRadio payload. Unknown fields are skipped;
// only a wire-level inconsistency is an error.
func parseFromRadio(payload []byte) (*radioUpdate, error) {
	update := &radioUpdate{}

	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return nil, errMalformedPayload
		}

		payload = payload[n:]

		switch {
		case num == fromRadioMyInfo && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(payload)
			if n < 0 {
				return nil, errMalformedPayload
			}

			nodeNum, ok, err := parseMyNodeInfo(msg)
			if err != nil {
				return nil, err
			}

			if ok {
				update.nodeNum = nodeNum
				update.hasNodeNum = true
			}

			payload = payload[n:]

		case num == fromRadioNodeInfo && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(payload)
			if n < 0 {
				return nil, errMalformedPayload
			}

			if err := parseNodeInfo(msg, update); err != nil {
				return nil, err
			}

			payload = payload[n:]

		case num == fromRadioConfigCompleteID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				return nil, errMalformedPayload
			}

			update.configComplete = uint32(v)
			update.isComplete = true

			payload = payload[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, payload)
			if n < 0 {
				return nil, errMalformedPayload
			}

			payload = payload[n:]
		}
	}

	return update, nil
}

func parseMyNodeInfo(msg []byte) (nodeNum uint32, ok bool, err error) {
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return 0, false, errMalformedPayload
		}

		msg = msg[n:]

		if num == myNodeInfoNodeNum && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return 0, false, errMalformedPayload
			}

			nodeNum = uint32(v)
			ok = true
			msg = msg[n:]

			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, msg)
		if n < 0 {
			return 0, false, errMalformedPayload
		}

		msg = msg[n:]
	}

	return nodeNum, ok, nil
}

func parseNodeInfo(msg []byte, update *radioUpdate) error {
	var (
		num      uint32
		longName string
		short    string
	)

	for len(msg) > 0 {
		fieldNum, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return errMalformedPayload
		}

		msg = msg[n:]

		switch {
		case fieldNum == nodeInfoNum && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return errMalformedPayload
			}

			num = uint32(v)
			msg = msg[n:]

		case fieldNum == nodeInfoUser && typ == protowire.BytesType:
			user, n := protowire.ConsumeBytes(msg)
			if n < 0 {
				return errMalformedPayload
			}

			var err error

			longName, short, err = parseUser(user)
			if err != nil {
				return err
			}

			msg = msg[n:]

		default:
			n := protowire.ConsumeFieldValue(fieldNum, typ, msg)
			if n < 0 {
				return errMalformedPayload
			}

			msg = msg[n:]
		}
	}

	if longName != "" || short != "" {
		update.ownerNodeNum = num
		update.ownerLongName = longName
		update.ownerShortName = short
		update.hasOwner = true
	}

	return nil
}

func parseUser(msg []byte) (longName, shortName string, err error) {
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return "", "", errMalformedPayload
		}

		msg = msg[n:]

		switch {
		case num == userLongName && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(msg)
			if n < 0 {
				return "", "", errMalformedPayload
			}

			longName = string(v)
			msg = msg[n:]

		case num == userShortName && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(msg)
			if n < 0 {
				return "", "", errMalformedPayload
			}

			shortName = string(v)
			msg = msg[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, msg)
			if n < 0 {
				return "", "", errMalformedPayload
			}

			msg = msg[n:]
		}
	}

	return longName, shortName, nil
}
