package workflow

import (
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// coerceArgs 把模型给出的 JSON 构造参数转换为 abi.Pack 需要的 Go 类型。
func coerceArgs(inputs abi.Arguments, args []any) ([]any, error) {
	if len(inputs) != len(args) {
		return nil, fmt.Errorf("构造函数需要 %d 个参数，实际提供 %d 个", len(inputs), len(args))
	}
	out := make([]any, len(args))
	for i, input := range inputs {
		v, err := coerce(input.Type, args[i])
		if err != nil {
			name := input.Name
			if name == "" {
				name = fmt.Sprintf("#%d", i)
			}
			return nil, fmt.Errorf("参数 %s (%s): %w", name, input.Type.String(), err)
		}
		out[i] = v.Interface()
	}
	return out, nil
}

func coerce(t abi.Type, raw any) (reflect.Value, error) {
	switch t.T {
	case abi.StringTy:
		s, ok := raw.(string)
		if !ok {
			return reflect.Value{}, fmt.Errorf("期望字符串，得到 %T", raw)
		}
		return reflect.ValueOf(s), nil
	case abi.BoolTy:
		switch b := raw.(type) {
		case bool:
			return reflect.ValueOf(b), nil
		case string:
			switch strings.ToLower(strings.TrimSpace(b)) {
			case "true":
				return reflect.ValueOf(true), nil
			case "false":
				return reflect.ValueOf(false), nil
			}
		}
		return reflect.Value{}, fmt.Errorf("期望布尔值，得到 %v", raw)
	case abi.AddressTy:
		s, ok := raw.(string)
		if !ok || !common.IsHexAddress(s) {
			return reflect.Value{}, fmt.Errorf("期望地址，得到 %v", raw)
		}
		return reflect.ValueOf(common.HexToAddress(s)), nil
	case abi.IntTy, abi.UintTy:
		n, err := toBigInt(raw)
		if err != nil {
			return reflect.Value{}, err
		}
		return fitInteger(t, n)
	case abi.BytesTy:
		b, err := toBytes(raw)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(b), nil
	case abi.FixedBytesTy:
		b, err := toBytes(raw)
		if err != nil {
			return reflect.Value{}, err
		}
		if len(b) > t.Size {
			return reflect.Value{}, fmt.Errorf("字节长度 %d 超过 bytes%d", len(b), t.Size)
		}
		v := reflect.New(t.GetType()).Elem()
		reflect.Copy(v, reflect.ValueOf(b))
		return v, nil
	case abi.SliceTy, abi.ArrayTy:
		items, ok := raw.([]any)
		if !ok {
			return reflect.Value{}, fmt.Errorf("期望数组，得到 %T", raw)
		}
		if t.T == abi.ArrayTy && len(items) != t.Size {
			return reflect.Value{}, fmt.Errorf("期望 %d 个元素，得到 %d 个", t.Size, len(items))
		}
		var v reflect.Value
		if t.T == abi.SliceTy {
			v = reflect.MakeSlice(t.GetType(), len(items), len(items))
		} else {
			v = reflect.New(t.GetType()).Elem()
		}
		for i, item := range items {
			elem, err := coerce(*t.Elem, item)
			if err != nil {
				return reflect.Value{}, fmt.Errorf("元素 %d: %w", i, err)
			}
			v.Index(i).Set(elem)
		}
		return v, nil
	default:
		return reflect.Value{}, fmt.Errorf("暂不支持的参数类型 %s", t.String())
	}
}

func toBigInt(raw any) (*big.Int, error) {
	switch v := raw.(type) {
	case json.Number:
		return parseBig(v.String())
	case string:
		return parseBig(v)
	case float64:
		if v != float64(int64(v)) {
			return nil, fmt.Errorf("整数参数不能是小数: %v", v)
		}
		return big.NewInt(int64(v)), nil
	case int:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	default:
		return nil, fmt.Errorf("期望整数，得到 %T", raw)
	}
}

func parseBig(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	n, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return nil, fmt.Errorf("无法解析整数 %q", s)
	}
	return n, nil
}

// fitInteger 按位宽选择 abi.Pack 接受的具体整数类型。
func fitInteger(t abi.Type, n *big.Int) (reflect.Value, error) {
	if t.T == abi.UintTy && n.Sign() < 0 {
		return reflect.Value{}, fmt.Errorf("无符号整数不能为负: %s", n)
	}
	if n.BitLen() > t.Size {
		return reflect.Value{}, fmt.Errorf("数值 %s 超出 %s 范围", n, t.String())
	}
	target := t.GetType()
	if target == reflect.TypeOf(&big.Int{}) {
		return reflect.ValueOf(n), nil
	}
	v := reflect.New(target).Elem()
	if t.T == abi.UintTy {
		v.SetUint(n.Uint64())
	} else {
		if !n.IsInt64() || v.OverflowInt(n.Int64()) {
			return reflect.Value{}, fmt.Errorf("数值 %s 超出 %s 范围", n, t.String())
		}
		v.SetInt(n.Int64())
	}
	return v, nil
}

func toBytes(raw any) ([]byte, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("期望十六进制字符串，得到 %T", raw)
	}
	if !strings.HasPrefix(s, "0x") {
		return []byte(s), nil
	}
	return hexutil.Decode(s)
}
