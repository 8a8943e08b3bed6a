package llm

import (
	"fmt"
	"strings"
)

// KnowledgeDomains is the static description of what the knowledge base
// covers. Query expansion feeds it to the model so rewritten queries use the
// vocabulary the passages were written in.
const KnowledgeDomains = `オープンキャンパスの知識ベースは以下の分野を含む:
- 学部・学科の紹介（カリキュラム、取得できる資格、卒業後の進路）
- 入試情報（総合型選抜、学校推薦型選抜、一般選抜、出願時期）
- キャンパス施設（図書館、実験棟、体育館、学生食堂）
- 交通アクセスと駐車場
- 学生生活（サークル、寮、一人暮らし、奨学金）
- 研究室紹介と体験授業`

// IntentClassificationPrompt asks the model to classify one user utterance.
// The response must be a single JSON object; the parser falls back to
// chitchat when it is not.
func IntentClassificationPrompt(userInput string) string {
	return fmt.Sprintf(`あなたは大学オープンキャンパス案内AIの意図分類器です。
次のユーザー発話を分類してください。

発話: %q

分類は以下の3種類のみ:
- "knowledge_question": 大学・入試・施設・学生生活など、知識が必要な質問
- "greeting": 挨拶
- "chitchat": その他の雑談

次の形式のJSONのみを出力してください。説明は不要です。
{"intent": "knowledge_question"}`, userInput)
}

// QueryExpansionPrompt asks the model for 3-5 diverse search queries built
// with three strategies: a domain-vocabulary paraphrase, a hypothetical
// answer document, and extracted keywords.
func QueryExpansionPrompt(history []Message, userInput string) string {
	var b strings.Builder
	for _, m := range history {
		if m.Role == RoleUser {
			b.WriteString("ユーザー: ")
		} else {
			b.WriteString("アシスタント: ")
		}
		b.WriteString(m.Content)
		b.WriteString("\n")
	}

	return fmt.Sprintf(`あなたは検索クエリ生成器です。会話履歴と最新の質問から、
ベクトル検索用の多様な検索クエリを3〜5個生成してください。

%s

【会話履歴】
%s
【最新の質問】
%s

以下の3つの戦略を必ず織り交ぜること:
1. 知識ベースの語彙を使った言い換え
2. 質問への理想的な回答文そのもの（仮想回答ドキュメント）
3. キーワードの抽出・列挙

次の形式のJSONのみを出力してください。
{"queries": ["...", "..."]}`, KnowledgeDomains, b.String(), userInput)
}

// RAGSystemPrompt builds the system prompt for knowledge-grounded answer
// synthesis. referenceBlock is the numbered passage block plus any realtime
// schedule information.
func RAGSystemPrompt(referenceBlock string) string {
	return fmt.Sprintf(`あなたは大学のオープンキャンパスを案内する親切なAIアシスタントです。
提供された会話履歴と参考情報を元に、ユーザーの質問に日本語で回答してください。

回答のルール:
- 参考情報の断片をすべて統合し、ひとつのまとまった回答にすること
- 使用した参考情報は [1] のように番号で引用すること
- 参考情報のどれも質問と無関係な場合のみ「分かりません」と答えること
- リアルタイム情報がある場合は回答に必ず反映すること

【参考情報】
%s`, referenceBlock)
}

// ChitchatSystemPrompt is the fixed persona for the non-knowledge branch.
// It claims no domain knowledge; retrieval output never reaches this branch.
const ChitchatSystemPrompt = `あなたは大学のオープンキャンパスを案内する親切なAIアシスタントです。
来場者を歓迎する明るい口調で、日本語で短く応答してください。
大学に関する具体的な質問には「詳しいことは何でも聞いてくださいね」と促してください。
知らないことを知っているふりをしてはいけません。`
