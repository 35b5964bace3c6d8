// 请求与样本的结构体校验，基于 validate 标签
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"agentmonitor/internal/model/system"
)

var (
	once     sync.Once
	instance *validator.Validate
)

// Validator 共享的校验器实例，字段名使用 json 标签
func Validator() *validator.Validate {
	once.Do(func() {
		instance = validator.New()
		instance.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return fld.Name
			}
			return name
		})
	})
	return instance
}

// Struct 校验结构体，返回全部不合法字段；合法时返回 nil
func Struct(v interface{}) []system.ValidationError {
	err := Validator().Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []system.ValidationError{{Message: err.Error()}}
	}
	out := make([]system.ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, system.ValidationError{Field: fieldPath(fe), Message: message(fe)})
	}
	return out
}

// fieldPath 去掉顶层结构体名: MetricSample.resource.cpu_usage_percent -> resource.cpu_usage_percent
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be <= %s", fe.Param())
	case "gt":
		return fmt.Sprintf("must be > %s", fe.Param())
	case "lt":
		return fmt.Sprintf("must be < %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	}
	return fmt.Sprintf("failed on '%s'", fe.Tag())
}
