package safety

import "strings"

// Rejection reasons.
const (
	ReasonContentUnsafe   = "content_unsafe"
	ReasonPrivacySanitize = "privacy_sanitize"
	ReasonNotDesign       = "not_design_related"
	ReasonDomainUnclear   = "domain_unclear"
	ReasonDriftRejected   = "domain_drift_rejected"
	ReasonUserCancelled   = "user_cancelled"
	ReasonNodeError       = "node_error"
	ReasonEmptyInput      = "empty_input"
	ReasonReportSanitized = "report_sanitized"
)

var templates = map[string]string{
	ReasonContentUnsafe:   "抱歉，您的输入包含不适宜的内容，我们无法继续处理。请调整描述后重新提交。",
	ReasonPrivacySanitize: "您的输入中包含手机号、证件号等敏感信息。为保护隐私，请删除后重新提交，可参考：\n\n{masked}",
	ReasonNotDesign:       "本服务专注于室内与空间设计咨询。您的需求似乎不属于设计领域，建议补充空间类型、面积或风格等信息。",
	ReasonDomainUnclear:   "我们暂时无法判断您的需求是否属于空间设计。请说明项目类型（如住宅、餐饮、办公）以及希望获得的帮助。",
	ReasonDriftRejected:   "项目需求已偏离空间设计范畴，本次分析已终止。",
	ReasonUserCancelled:   "分析已按您的要求取消。",
	ReasonNodeError:       "分析过程中出现内部错误，请稍后重试。如问题持续，请联系我们并提供会话编号。",
	ReasonEmptyInput:      "请输入您的设计需求。",
	ReasonReportSanitized: "报告中的部分内容已根据安全策略处理。",
}

// Message returns the user-visible text for reason. Raw error text never
// reaches the user; unknown reasons fall back to the generic error message.
func Message(reason string, vars map[string]string) string {
	msg, ok := templates[reason]
	if !ok {
		msg = templates[ReasonNodeError]
	}
	for k, v := range vars {
		msg = strings.ReplaceAll(msg, "{"+k+"}", v)
	}
	return msg
}
